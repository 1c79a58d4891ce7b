package returns

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fieldline-erp/fieldline/internal/shared"
)

func returnRequestWith(t *testing.T, h *Handler, method, path, body string, identity *shared.Identity) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route("/returns", h.MountRoutes)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(shared.ContextWithIdentity(context.Background(), identity))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestReturnEndpointsRequireHubGrant(t *testing.T) {
	inv := soldInvoice() // issued by hub 1
	svc, repo, _ := testService(inv)
	h := NewHandler(nil, svc)

	granted := &shared.Identity{ActorID: 9, HubIDs: []int64{1}}
	otherHub := &shared.Identity{ActorID: 9, HubIDs: []int64{2}}

	body := `{"invoice_number":"H-0001","lines":[{"product_id":7,"batch_id":11,"batch_code":"B-A","qty":2,"condition":"GOOD"}]}`
	rec := returnRequestWith(t, h, http.MethodPost, "/returns", body, otherHub)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = returnRequestWith(t, h, http.MethodPost, "/returns", body, granted)
	require.Equal(t, http.StatusCreated, rec.Code)

	var ret Return
	for _, stored := range repo.byID {
		ret = stored
	}
	rec = returnRequestWith(t, h, http.MethodPost, "/returns/"+ret.ID.String()+"/approve", "", otherHub)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	reloaded, err := svc.Get(context.Background(), ret.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, reloaded.Status)

	rec = returnRequestWith(t, h, http.MethodPost, "/returns/"+ret.ID.String()+"/approve", "", granted)
	require.Equal(t, http.StatusOK, rec.Code)
}
