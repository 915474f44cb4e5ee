package api

import "net/http"

// Classifier maps backend HTTP status codes to error classes. The
// default table covers the common cases; per-status overrides come
// from configuration because providers disagree on the details (some
// return 400 for rate limiting, some 404 for unknown models).
type Classifier struct {
	overrides map[int]ErrorClass
}

// NewClassifier creates a classifier with the given per-status
// overrides. A nil map yields the default table.
func NewClassifier(overrides map[int]ErrorClass) *Classifier {
	c := &Classifier{}
	if len(overrides) > 0 {
		c.overrides = make(map[int]ErrorClass, len(overrides))
		for code, class := range overrides {
			c.overrides[code] = class
		}
	}
	return c
}

// FromStatus returns the error class for a backend HTTP status code.
func (c *Classifier) FromStatus(code int) ErrorClass {
	if c != nil && c.overrides != nil {
		if class, ok := c.overrides[code]; ok {
			return class
		}
	}
	return defaultClassFor(code)
}

// defaultClassFor is the built-in status table.
func defaultClassFor(code int) ErrorClass {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return ClassTransient
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusNotFound:
		return ClassDeploymentTerminal
	case code == http.StatusBadRequest,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnprocessableEntity:
		return ClassRequestTerminal
	default:
		return ClassTransient
	}
}

// ParseClass converts a configuration string to an ErrorClass.
// Unknown strings return false.
func ParseClass(s string) (ErrorClass, bool) {
	switch ErrorClass(s) {
	case ClassTransient, ClassCapacity, ClassDeploymentTerminal, ClassRequestTerminal, ClassInternal:
		return ErrorClass(s), true
	}
	return "", false
}
