package domain

// Field types supported by ResponseSchema.
const (
	FieldString  = "string"
	FieldInteger = "integer"
	FieldArray   = "array"
)

// SchemaField describes one property of a structured completion result.
// Array fields always hold strings.
type SchemaField struct {
	Name        string
	Type        string
	Description string
	Enum        []string
	Nullable    bool
}

// ResponseSchema is the provider-agnostic description of the object a
// structured completion must return. All fields are required; optional values
// are expressed through Nullable.
type ResponseSchema struct {
	Name   string
	Fields []SchemaField
}
