package pipeline

import "encoding/json"

func jsonUnmarshalString(s string, v any) error { return json.Unmarshal([]byte(s), v) }

// choicesJSON wraps plain generated text in the OpenAI choices shape so both
// text backends submit the same result format.
func choicesJSON(text string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type choice struct {
		Index        int     `json:"index"`
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}
	return json.Marshal([]choice{{Message: message{Role: "assistant", Content: text}, FinishReason: "stop"}})
}
