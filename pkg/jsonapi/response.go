package jsonapi

import (
	"encoding/json"
	"net/http"
)

// WriteDocument writes doc with the JSON:API content type.
func WriteDocument(w http.ResponseWriter, status int, doc Document) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc)
}

// WriteCollection writes resources as the primary data. A nil slice is
// written as an empty array; p adds page metadata and links.
func WriteCollection(w http.ResponseWriter, status int, resources []Resource, p *Pagination) {
	if resources == nil {
		resources = []Resource{}
	}
	doc := Document{Data: resources}
	if p != nil {
		doc.Meta = p.Meta()
		doc.Links = p.Links()
	}
	WriteDocument(w, status, doc)
}

// WriteCreated writes a 201 with r and, when set, a Location header.
func WriteCreated(w http.ResponseWriter, r Resource, location string) {
	if location != "" {
		w.Header().Set("Location", location)
	}
	WriteDocument(w, http.StatusCreated, Document{Data: r})
}

// WriteMeta writes a document with only meta.
func WriteMeta(w http.ResponseWriter, status int, meta Meta) {
	WriteDocument(w, status, Document{Meta: meta})
}

// WriteError writes errs with the status of the first one, or a bare 500
// when errs is empty.
func WriteError(w http.ResponseWriter, errs ...Error) {
	if len(errs) == 0 {
		errs = []Error{ErrInternal("")}
	}
	status := errs[0].StatusCode()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteDocument(w, status, Document{Errors: errs})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, ErrBadRequest(detail))
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, ErrUnauthorized(detail))
}

func WriteNotFound(w http.ResponseWriter, what string) {
	WriteError(w, ErrNotFound(what))
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, ErrConflict(detail))
}

func WriteValidationError(w http.ResponseWriter, param, message string) {
	WriteError(w, ErrValidation(param, message))
}

func WriteInternalError(w http.ResponseWriter, detail string) {
	WriteError(w, ErrInternal(detail))
}
