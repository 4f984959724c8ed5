package stock

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// contendedStore simulates a transaction aborted by a row lock wait timeout.
type contendedStore struct {
	*memStore
}

func (s *contendedStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return ErrLockTimeout
}

func newTestRouter(store StorePort) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, NewService(store, nil, nil, nil, logger))
	r := chi.NewRouter()
	r.Route("/stock", func(r chi.Router) { handler.MountRoutes(r) })
	return r
}

func TestHandlerLockTimeoutRespondsServiceUnavailable(t *testing.T) {
	router := newTestRouter(&contendedStore{memStore: newMemStore()})

	req := httptest.NewRequest(http.MethodPost, "/stock/bills/1/execute", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "retry")
}

func TestHandlerDuplicateCreateRespondsConflict(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store)

	body := `{"direction":"IN","warehouse_id":1,"biz_type":"PURCHASE_IN","biz_no":"PO-77","lines":[{"product_id":3,"qty":"2"}]}`
	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/stock/bills", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/stock/bills", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, second.Code)
}
