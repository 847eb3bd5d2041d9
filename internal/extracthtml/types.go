package extracthtml

// Default selectors match the typical structure of a Gemini chat export.
// Exports differ; open the file in a browser, inspect a message, and override
// these through configuration when they do not match.
const (
	DefaultQuerySelector    = ".user-query .query-text"
	DefaultResponseSelector = ".model-response-text"
)

// Selectors names the two CSS selectors used to locate message nodes.
type Selectors struct {
	Query    string `json:"query_selector"`
	Response string `json:"response_selector"`
}

// Options controls one extraction run.
type Options struct {
	Selectors Selectors

	// TextSeparator is placed between the trimmed text fragments of a single
	// message node. Empty by default, so "<p>a</p> <p>b</p>" flattens to "ab".
	TextSeparator string
}

// Pair is one user query and the model response at the same index.
type Pair struct {
	Index    int
	Query    string
	Response string
}

// Result summarizes an extraction.
type Result struct {
	// Pairs is the number of blocks written to the transcript.
	Pairs int

	Queries   int
	Responses int

	// Surplus nodes discarded by positional pairing.
	DroppedQueries   int
	DroppedResponses int

	// Mismatch is set when either selector matched nothing, which usually
	// means the selectors do not fit this export.
	Mismatch bool
}

// DefaultSelectors returns the stock Gemini export selectors.
func DefaultSelectors() Selectors {
	return Selectors{
		Query:    DefaultQuerySelector,
		Response: DefaultResponseSelector,
	}
}

// DefaultOptions returns Options with the stock selectors and no separator.
func DefaultOptions() Options {
	return Options{Selectors: DefaultSelectors()}
}

// withDefaults fills empty selectors from DefaultSelectors.
func (o Options) withDefaults() Options {
	if o.Selectors.Query == "" {
		o.Selectors.Query = DefaultQuerySelector
	}
	if o.Selectors.Response == "" {
		o.Selectors.Response = DefaultResponseSelector
	}
	return o
}
