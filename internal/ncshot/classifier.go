package ncshot

import "bytes"

// AllocationFailureMarker is what the service prints when it runs out of memory.
const AllocationFailureMarker = "std::bad_alloc"

// Classifier decides whether a response means the service itself is degraded.
//
// A body containing any of BodyMarkers is systemic regardless of status. A status
// listed in StatusCodes is systemic; with no StatusCodes every 5xx is.
type Classifier struct {
	StatusCodes []int
	BodyMarkers []string
}

// DefaultClassifier treats every 5xx and the allocation-failure marker as systemic.
func DefaultClassifier() Classifier {
	return Classifier{BodyMarkers: []string{AllocationFailureMarker}}
}

// Systemic reports whether a response with status and body is a systemic failure.
func (c Classifier) Systemic(status int, body []byte) bool {
	for _, marker := range c.BodyMarkers {
		if marker != "" && bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	if len(c.StatusCodes) == 0 {
		return status >= 500 && status <= 599
	}
	for _, code := range c.StatusCodes {
		if code == status {
			return true
		}
	}
	return false
}
