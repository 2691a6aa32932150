package ast

// Function describes a built-in query function. Only the functions the
// plan rewriter and the expression evaluator care about are registered;
// calls to anything else keep a nil descriptor and are evaluated by the
// generic fallback layer outside this core.
type Function struct {
	Name string
	// MinArgs/MaxArgs bound the argument array length.
	MinArgs int
	MaxArgs int
}

var functions = map[string]*Function{
	FuncNear:     {Name: FuncNear, MinArgs: 3, MaxArgs: 5},
	FuncWithin:   {Name: FuncWithin, MinArgs: 4, MaxArgs: 5},
	FuncFulltext: {Name: FuncFulltext, MinArgs: 3, MaxArgs: 4},
	FuncDistance: {Name: FuncDistance, MinArgs: 4, MaxArgs: 4},
	FuncMerge:    {Name: FuncMerge, MinArgs: 2, MaxArgs: 2},
}

// Names of the registered built-in functions.
const (
	FuncNear     = "NEAR"
	FuncWithin   = "WITHIN"
	FuncFulltext = "FULLTEXT"
	FuncDistance = "DISTANCE"
	FuncMerge    = "MERGE"
)

// LookupFunction returns the descriptor for a built-in function name, or
// nil if the name is not registered.
func LookupFunction(name string) *Function {
	return functions[name]
}
