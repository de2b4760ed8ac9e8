package discovery

// CommunityMatch is the normalized public shape of one match.
type CommunityMatch struct {
	Name        string  `json:"name"`
	Subscribers int64   `json:"subscribers"`
	Confidence  float64 `json:"confidence"`
	URL         string  `json:"url"`
}

// Summary describes how much of the match set a result carries.
type Summary struct {
	// TotalFound is the number of matches known to exist above threshold.
	TotalFound int `json:"total_found"`

	// Returned is the number of matches in the response.
	Returned int `json:"returned"`

	// HasMore is true iff more matches existed above threshold than were
	// returned.
	HasMore bool `json:"has_more"`
}

// Result is a single query's outcome. On failure Error is set, Subreddits is
// empty, and Summary is zeroed.
type Result struct {
	Subreddits []CommunityMatch `json:"subreddits"`
	Summary    Summary          `json:"summary"`
	Error      string           `json:"error,omitempty"`
	TimedOut   bool             `json:"timed_out,omitempty"`
}

// errorResult builds the structured error shape: message, empty matches,
// zeroed summary.
func errorResult(msg string, timedOut bool) *Result {
	return &Result{
		Subreddits: []CommunityMatch{},
		Summary:    Summary{},
		Error:      msg,
		TimedOut:   timedOut,
	}
}

// BatchResponse is the outcome of a multi-query request, keyed by query text.
type BatchResponse struct {
	BatchMode    bool               `json:"batch_mode"`
	TotalQueries int                `json:"total_queries"`
	Results      map[string]*Result `json:"results"`
}
