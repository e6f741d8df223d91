package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// envelopeMeta is the minimal shape transport re-parses out of an
// already-encoded response body to stamp a few fields onto response
// headers in addition to the JSON meta object, for clients that read
// headers without parsing the body (proxies, load balancers, curl -D).
type envelopeMeta struct {
	Meta struct {
		Duration struct {
			Value float64 `json:"value"`
		} `json:"duration"`
		Node      string `json:"node"`
		RateLimit *struct {
			Limit     int `json:"limit"`
			Remaining int `json:"remaining"`
		} `json:"rate_limit"`
	} `json:"meta"`
}

func applyResponseHeaders(w http.ResponseWriter, body []byte) {
	var env envelopeMeta
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}
	h := w.Header()
	if env.Meta.Node != "" {
		h.Set("X-Forrst-Node", env.Meta.Node)
	}
	if env.Meta.Duration.Value > 0 {
		h.Set("X-Forrst-Duration-Ms", strconv.FormatFloat(env.Meta.Duration.Value, 'f', 3, 64))
	}
	if env.Meta.RateLimit != nil {
		h.Set("RateLimit-Limit", strconv.Itoa(env.Meta.RateLimit.Limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(env.Meta.RateLimit.Remaining))
	}
}
