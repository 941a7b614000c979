// Package jsonapi renders JSON:API documents (https://jsonapi.org) for the
// operator and customer endpoints: resources, collections with page
// metadata, and error objects.
package jsonapi

// ContentType is the JSON:API media type.
const ContentType = "application/vnd.api+json"

// Meta is free-form metadata on a document or error.
type Meta map[string]any

// Document is a top-level document. Data and Errors are mutually exclusive.
type Document struct {
	Data   any     `json:"data,omitempty"`
	Errors []Error `json:"errors,omitempty"`
	Meta   Meta    `json:"meta,omitempty"`
	Links  *Links  `json:"links,omitempty"`
}

// Resource is a resource object.
type Resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    map[string]any          `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

// ResourceIdentifier is resource linkage.
type ResourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relationship is a to-one relationship.
type Relationship struct {
	Data ResourceIdentifier `json:"data"`
}

// Links are the paging links of a collection.
type Links struct {
	Self  string `json:"self,omitempty"`
	First string `json:"first,omitempty"`
	Last  string `json:"last,omitempty"`
	Prev  string `json:"prev,omitempty"`
	Next  string `json:"next,omitempty"`
}

// ResourceBuilder assembles a Resource.
type ResourceBuilder struct {
	r Resource
}

// NewResource starts a resource of the given type and ID.
func NewResource(resourceType, id string) *ResourceBuilder {
	return &ResourceBuilder{r: Resource{
		Type:       resourceType,
		ID:         id,
		Attributes: map[string]any{},
	}}
}

// Attr sets an attribute.
func (b *ResourceBuilder) Attr(key string, value any) *ResourceBuilder {
	b.r.Attributes[key] = value
	return b
}

// BelongsTo adds a to-one relationship. An empty relID adds nothing.
func (b *ResourceBuilder) BelongsTo(name, relType, relID string) *ResourceBuilder {
	if relID == "" {
		return b
	}
	if b.r.Relationships == nil {
		b.r.Relationships = map[string]Relationship{}
	}
	b.r.Relationships[name] = Relationship{Data: ResourceIdentifier{Type: relType, ID: relID}}
	return b
}

// Build returns the resource.
func (b *ResourceBuilder) Build() Resource {
	return b.r
}
