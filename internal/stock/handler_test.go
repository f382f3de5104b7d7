package stock

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(svc *Service) chi.Router {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	r := chi.NewRouter()
	r.Route("/stock", func(r chi.Router) {
		h.MountRoutes(r)
	})
	return r
}

func TestDisposeHandlerAcceptsEmptyBody(t *testing.T) {
	svc, repo, _ := newTestService()
	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/stock/lots/%d/dispose", lot.ID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, LotStatusDisposed, repo.lots[lot.ID].Status)
	require.True(t, repo.lots[lot.ID].CurrentQty.IsZero())
}

func TestDisposeHandlerAcceptsReason(t *testing.T) {
	svc, repo, _ := newTestService()
	lot := receive(t, svc, 7, "LOT-A", "10", 1, nil)
	router := newTestRouter(svc)

	body := strings.NewReader(`{"reason":"contaminated batch"}`)
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/stock/lots/%d/dispose", lot.ID), body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, LotStatusDisposed, repo.lots[lot.ID].Status)

	var resp lotMovementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "contaminated batch", resp.Movement.Notes)
}
