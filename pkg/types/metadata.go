package types

// Metadata is free-form context attached to a timeline entry, such as a
// processor decline code. Models store it through gorm's json serializer.
type Metadata map[string]any
