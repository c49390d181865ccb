package wasmsource

// Minimal hand-assembled modules, so the tests need no toolchain beyond Go.

const (
	typeNoneI32 byte = iota // () -> i32
	typeI32I32              // (i32) -> i32
	typeI32None             // (i32) -> ()
	typeLog                 // (i32, i32, i32) -> ()
)

type guestFunc struct {
	export string
	typ    byte
	body   []byte
}

// constBody returns an i32.const function body, v must be within [-64, 63].
func constBody(v int8) []byte {
	return []byte{0x00, 0x41, byte(v) & 0x7f, 0x0b}
}

var (
	// local.get 0
	echoBody = []byte{0x00, 0x20, 0x00, 0x0b}
	// loop br 0 end unreachable
	spinBody  = []byte{0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b}
	emptyBody = []byte{0x00, 0x0b}
)

// logThenConstBody calls the imported log(1, 0, n), then returns v.
func logThenConstBody(n int8, v int8) []byte {
	return []byte{
		0x00,
		0x41, 0x01,
		0x41, 0x00,
		0x41, byte(n) & 0x7f,
		0x10, 0x00,
		0x41, byte(v) & 0x7f,
		0x0b,
	}
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func wasmSection(id byte, body []byte) []byte {
	if len(body) >= 0x80 {
		panic("section too large for test encoder")
	}
	return append([]byte{id, byte(len(body))}, body...)
}

// buildModule assembles a module exporting funcs. If data is non-empty, the
// module imports winloop.log, and exports a memory initialised with data.
func buildModule(data string, funcs ...guestFunc) []byte {
	withLog := data != ""

	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	b = append(b, wasmSection(1, []byte{
		0x04,
		0x60, 0x00, 0x01, 0x7f,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x01, 0x7f, 0x00,
		0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x00,
	})...)

	var offset byte
	if withLog {
		imp := []byte{0x01}
		imp = append(imp, wasmName(HostModule)...)
		imp = append(imp, wasmName(hostLog)...)
		imp = append(imp, 0x00, typeLog)
		b = append(b, wasmSection(2, imp)...)
		offset = 1
	}

	fn := []byte{byte(len(funcs))}
	for _, f := range funcs {
		fn = append(fn, f.typ)
	}
	b = append(b, wasmSection(3, fn)...)

	if withLog {
		b = append(b, wasmSection(5, []byte{0x01, 0x00, 0x01})...)
	}

	exp := []byte{byte(len(funcs))}
	if withLog {
		exp[0]++
		exp = append(exp, wasmName("memory")...)
		exp = append(exp, 0x02, 0x00)
	}
	for i, f := range funcs {
		exp = append(exp, wasmName(f.export)...)
		exp = append(exp, 0x00, offset+byte(i))
	}
	b = append(b, wasmSection(7, exp)...)

	code := []byte{byte(len(funcs))}
	for _, f := range funcs {
		code = append(code, byte(len(f.body)))
		code = append(code, f.body...)
	}
	b = append(b, wasmSection(10, code)...)

	if withLog {
		seg := []byte{0x01, 0x00, 0x41, 0x00, 0x0b}
		seg = append(seg, wasmName(data)...)
		b = append(b, wasmSection(11, seg)...)
	}

	return b
}
