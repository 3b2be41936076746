package transport

import (
	"net/http"

	"github.com/pitabwire/qualitrace/internal/batch"
)

func handleListBatches(directory batch.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		batches := directory.List()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        batches,
			"total_count": len(batches),
		})
	}
}
