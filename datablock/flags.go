package datablock

// Flags packs a Data-Block's 16-bit user flags and 16-bit runtime flags
// into a single uint32: low 16 bits user, high 16 bits runtime.
type Flags uint32

const (
	// Runtime flags occupy bits 16..31.
	NoAcquire      Flags = 1 << 16
	SingleAssignment Flags = 1 << 17
	RTAcquire      Flags = 1 << 18
	RTFetch        Flags = 1 << 19
	RTWriteBack    Flags = 1 << 20
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
func (f Flags) With(bit Flags) Flags { return f | bit }
func (f Flags) Without(bit Flags) Flags { return f &^ bit }

func (f Flags) UserBits() uint16    { return uint16(f) }
func (f Flags) RuntimeBits() uint16 { return uint16(f >> 16) }
