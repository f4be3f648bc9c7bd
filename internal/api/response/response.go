package response

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// ListResponse wraps a list with its total size before limiting.
type ListResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func WriteList(w http.ResponseWriter, items any, total int) {
	WriteJSON(w, http.StatusOK, ListResponse{Items: items, Total: total})
}
