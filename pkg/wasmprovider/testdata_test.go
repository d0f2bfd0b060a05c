package wasmprovider

// minimalWASIModule is the smallest valid WebAssembly module that exports
// a no-op "_start", encoded by hand: magic + version, a type section
// declaring func()->(), a function section assigning that type to function
// 0, an export section naming it "_start", and a code section whose body
// is just the "end" opcode.
var minimalWASIModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // \0asm, version 1
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: 1 type, func()->()
	0x03, 0x02, 0x01, 0x00, // function section: 1 function, type 0
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00, // export "_start" func 0
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section: 1 body, no locals, end
}
