package pluginhost

// Hand-assembled WebAssembly binary modules used as test fixtures. There is
// no wat2wasm toolchain available in this environment, so these are built
// directly from the binary format: a type section describing
// on_event(i32, i64) -> i32, a function section pointing at that type, an
// export section naming it "on_event", and a code section with the body.
// Building section bytes from slice lengths (rather than hand-computing
// every length byte) keeps this from silently drifting if a fixture changes.

const (
	opLocalGet = 0x20
	opI32Const = 0x41
	opI64Const = 0x42
	opI64And   = 0x83
	opI64Eqz   = 0x50
	opUnreachable = 0x00
	opEnd      = 0x0B

	typeI32 = 0x7F
	typeI64 = 0x7E

	secType   = 1
	secFunc   = 3
	secExport = 7
	secCode   = 10

	exportKindFunc = 0x00
)

// uleb128 encodes n for the subset of values these fixtures need (all < 128).
func uleb128(n int) []byte {
	if n < 0 || n > 127 {
		panic("pluginhost: fixture value out of uleb128 single-byte range")
	}
	return []byte{byte(n)}
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(len(content))...)
	return append(out, content...)
}

// onEventTypeSection describes the single function type every non-passive
// fixture exports: (i32, i64) -> i32, matching on_event(source_id, seq_no).
func onEventTypeSection() []byte {
	functype := []byte{0x60, 0x02, typeI32, typeI64, 0x01, typeI32}
	content := append(uleb128(1), functype...)
	return section(secType, content)
}

func funcSectionOneOfType0() []byte {
	content := append(uleb128(1), uleb128(0)...)
	return section(secFunc, content)
}

func exportOnEventSection() []byte {
	name := []byte("on_event")
	entry := append(uleb128(len(name)), name...)
	entry = append(entry, exportKindFunc)
	entry = append(entry, uleb128(0)...) // function index 0
	content := append(uleb128(1), entry...)
	return section(secExport, content)
}

// codeSectionOneBody wraps body as the sole function's code: zero locals
// followed by the given instruction bytes.
func codeSectionOneBody(instructions []byte) []byte {
	body := append([]byte{0x00}, instructions...) // 0x00 = no local declarations
	entry := append(uleb128(len(body)), body...)
	content := append(uleb128(1), entry...)
	return section(secCode, content)
}

func assembleModule(instructions []byte) []byte {
	header := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	out := append([]byte{}, header...)
	out = append(out, onEventTypeSection()...)
	out = append(out, funcSectionOneOfType0()...)
	out = append(out, exportOnEventSection()...)
	out = append(out, codeSectionOneBody(instructions)...)
	return out
}

// passiveModuleWASM has no sections and no exports at all: header only.
func passiveModuleWASM() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
}

// alwaysAcceptModuleWASM exports on_event returning the constant 1 (accept)
// regardless of arguments.
func alwaysAcceptModuleWASM() []byte {
	return assembleModule([]byte{opI32Const, 0x01, opEnd})
}

// acceptEvenDropOddModuleWASM implements spec scenario S2: on_event returns
// 1 (accept) when seq_no is even, 0 (drop) when odd, via
// i64.eqz(seq_no & 1).
func acceptEvenDropOddModuleWASM() []byte {
	return assembleModule([]byte{
		opLocalGet, 0x01, // seq_no (second param, i64)
		opI64Const, 0x01,
		opI64And,
		opI64Eqz,
		opEnd,
	})
}

// trappingModuleWASM's on_event always traps via unreachable.
func trappingModuleWASM() []byte {
	return assembleModule([]byte{opUnreachable, opEnd})
}
