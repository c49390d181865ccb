package eventloop

const (
	// sizeOfCacheLine is the size of a CPU cache line. 128 covers Apple
	// Silicon, and is a multiple of the 64 bytes standard for x86-64.
	sizeOfCacheLine = 128

	// sizeOfAtomicUint64 is the size of an atomic.Uint64 variable.
	sizeOfAtomicUint64 = 8
)
