package dao

// Parameter narrows a List call; interpretation is up to the concrete store.
type Parameter struct {
	Name  string
	Value interface{}
}

// NewParameter creates a list parameter; multiple values act as a set match.
func NewParameter(name string, values ...string) *Parameter {
	if len(values) == 1 {
		return &Parameter{Name: name, Value: values[0]}
	}
	return &Parameter{Name: name, Value: values}
}
