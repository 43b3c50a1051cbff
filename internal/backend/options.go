package backend

// RequestOption tweaks a single completion request
type RequestOption func(*ChatRequest)

func WithTemperature(t float64) RequestOption {
	return func(r *ChatRequest) {
		r.Temperature = &t
	}
}

func WithMaxTokens(n int) RequestOption {
	return func(r *ChatRequest) {
		r.MaxTokens = &n
	}
}

func WithTopP(p float64) RequestOption {
	return func(r *ChatRequest) {
		r.TopP = &p
	}
}

// WithModel overrides the model chosen by the caller for this request only
func WithModel(model string) RequestOption {
	return func(r *ChatRequest) {
		if model != "" {
			r.Model = model
		}
	}
}

// WithJSONObject asks the server to constrain output to a JSON object
func WithJSONObject() RequestOption {
	return func(r *ChatRequest) {
		r.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
}
