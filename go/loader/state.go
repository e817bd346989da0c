package loader

type State int32

const (
	StateMapped State = iota
	StateHeaderParsed
	StateExportsIndexed
	StateImportsFixing
	StateConstructed
	StateFailed
)

var stateNames = []string{"mapped", "header-parsed", "exports-indexed", "imports-fixing", "constructed", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type Flags uint32

const (
	// builtin modules are supplied by the embedder and never unloaded
	FlagBuiltin Flags = 1 << iota
	// skip import fixup entirely
	FlagSkipResolve
)
