package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
)

type sampleBody struct {
	Status string `json:"status" validate:"required,oneof=PAID CANCELLED"`
	Qty    int    `json:"qty" validate:"gt=0"`
}

func TestDecodeJSONBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
		field   string
	}{
		{name: "valid", body: `{"status":"PAID","qty":1}`},
		{name: "unknown field", body: `{"status":"PAID","qty":1,"extra":true}`, wantErr: true},
		{name: "malformed", body: `{"status":`, wantErr: true},
		{name: "oneof", body: `{"status":"SHIPPED","qty":1}`, wantErr: true, field: "sampleBody.status"},
		{name: "gt", body: `{"status":"PAID","qty":0}`, wantErr: true, field: "sampleBody.qty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dest sampleBody
			err := DecodeJSONBody(httptest.NewRecorder(), r, &dest)
			if !tc.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "PAID", dest.Status)
				return
			}
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
			if tc.field != "" {
				details, ok := pkgerrors.As(err).Details().(map[string]string)
				require.True(t, ok)
				assert.Contains(t, details, tc.field)
			}
		})
	}
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	withParam := func(v string) *http.Request {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("orderId", v)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}

	got, err := ParseUUIDParam(withParam(id.String()), "orderId")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUIDParam(withParam("nope"), "orderId")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = ParseUUIDParam(withParam(""), "orderId")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
