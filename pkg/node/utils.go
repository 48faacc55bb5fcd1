package node

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from addr, fills in
// the hostname when addr is just ":port" and adds defPort when there is no
// port at all.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr + ":" + defPort
	}
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
		return net.JoinHostPort(host, port)
	}
	return addr
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
