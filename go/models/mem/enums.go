package mem

// memory protections, matching the unicorn numbering the rest of the tree was built on
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// fault kinds carried by MemError.Enum
const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_FETCH_UNMAPPED = 21
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
	MEM_FETCH_PROT     = 14
)

const PageSize = 0x1000

func ProtString(prot int) string {
	prots := []int{PROT_READ, PROT_WRITE, PROT_EXEC}
	chars := []byte("rwx")
	out := []byte("---")
	for i := range prots {
		if prot&prots[i] != 0 {
			out[i] = chars[i]
		}
	}
	return string(out)
}
