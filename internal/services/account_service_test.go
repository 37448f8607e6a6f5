package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wristpay/backend/internal/ledger"
	"github.com/wristpay/backend/internal/models"
)

const testTagSecret = "test-tag-secret"

func signTag(tagID string) string {
	mac := hmac.New(sha256.New, []byte(testTagSecret))
	mac.Write([]byte(strings.ToUpper(tagID)))
	return hex.EncodeToString(mac.Sum(nil))
}

func newAccountFixture(t *testing.T) (*AccountService, *ledger.MemoryStore) {
	t.Helper()
	viper.Set("tag.hmac_secret", testTagSecret)
	t.Cleanup(func() { viper.Set("tag.hmac_secret", "") })
	store := ledger.NewMemoryStore()
	return NewAccountService(store), store
}

func TestAccountServiceProvision(t *testing.T) {
	t.Run("creates a zero-balance active account", func(t *testing.T) {
		service, _ := newAccountFixture(t)

		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodPost, "/accounts", map[string]any{
			"festivalId": testFestival,
		}, "user-1", models.RoleAttendee)

		service.Provision(w, r)
		assert.Equal(t, http.StatusCreated, w.Code)

		var resp struct {
			Account models.Account `json:"account"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "user-1", resp.Account.UserID)
		assert.Equal(t, int64(0), resp.Account.Balance)
		assert.True(t, resp.Account.IsActive)
	})

	t.Run("one account per user per festival", func(t *testing.T) {
		service, _ := newAccountFixture(t)

		first := httptest.NewRecorder()
		service.Provision(first, authedRequest(t, http.MethodPost, "/accounts", map[string]any{
			"festivalId": testFestival,
		}, "user-1", models.RoleAttendee))
		require.Equal(t, http.StatusCreated, first.Code)

		second := httptest.NewRecorder()
		service.Provision(second, authedRequest(t, http.MethodPost, "/accounts", map[string]any{
			"festivalId": testFestival,
		}, "user-1", models.RoleAttendee))
		assert.Equal(t, http.StatusConflict, second.Code)
	})
}

func TestAccountServiceLinkTag(t *testing.T) {
	const tagID = "04A224E2C56280"

	t.Run("provisions and links on first touch", func(t *testing.T) {
		service, store := newAccountFixture(t)

		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodPost, "/accounts/link-tag", map[string]any{
			"festivalId": testFestival, "tagId": tagID, "signature": signTag(tagID),
		}, "user-1", models.RoleAttendee)

		service.LinkTag(w, r)
		assert.Equal(t, http.StatusOK, w.Code)

		acc, err := store.GetAccountByTag(r.Context(), tagID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", acc.UserID)
	})

	t.Run("rejects a bad signature", func(t *testing.T) {
		service, _ := newAccountFixture(t)

		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodPost, "/accounts/link-tag", map[string]any{
			"festivalId": testFestival, "tagId": tagID, "signature": "deadbeef",
		}, "user-1", models.RoleAttendee)

		service.LinkTag(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("a tag cannot be linked twice", func(t *testing.T) {
		service, _ := newAccountFixture(t)

		first := httptest.NewRecorder()
		service.LinkTag(first, authedRequest(t, http.MethodPost, "/accounts/link-tag", map[string]any{
			"festivalId": testFestival, "tagId": tagID, "signature": signTag(tagID),
		}, "user-1", models.RoleAttendee))
		require.Equal(t, http.StatusOK, first.Code)

		second := httptest.NewRecorder()
		service.LinkTag(second, authedRequest(t, http.MethodPost, "/accounts/link-tag", map[string]any{
			"festivalId": testFestival, "tagId": tagID, "signature": signTag(tagID),
		}, "user-2", models.RoleAttendee))
		assert.Equal(t, http.StatusConflict, second.Code)
	})
}

func TestAccountServiceBalanceAndDeactivate(t *testing.T) {
	service, store := newAccountFixture(t)

	router := chi.NewRouter()
	router.Get("/accounts/{accountId}/balance", service.Balance)
	router.Post("/accounts/{accountId}/deactivate", service.Deactivate)

	provision := httptest.NewRecorder()
	service.Provision(provision, authedRequest(t, http.MethodPost, "/accounts", map[string]any{
		"festivalId": testFestival,
	}, "user-1", models.RoleAttendee))
	require.Equal(t, http.StatusCreated, provision.Code)

	var created struct {
		Account models.Account `json:"account"`
	}
	require.NoError(t, json.Unmarshal(provision.Body.Bytes(), &created))
	accountID := created.Account.ID

	t.Run("owner reads their balance", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodGet, "/accounts/"+accountID+"/balance", nil, "user-1", models.RoleAttendee)
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(0), resp["balance"])
		assert.Equal(t, true, resp["isActive"])
	})

	t.Run("other users cannot read it", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodGet, "/accounts/"+accountID+"/balance", nil, "intruder", models.RoleAttendee)
		router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("deactivation flips the flag", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodPost, "/accounts/"+accountID+"/deactivate", nil, "staff-1", models.RoleStaff)
		router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)

		acc, err := store.GetAccount(r.Context(), accountID)
		require.NoError(t, err)
		assert.False(t, acc.IsActive)
	})

	t.Run("unknown account yields 404", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := authedRequest(t, http.MethodPost, "/accounts/does-not-exist/deactivate", nil, "staff-1", models.RoleStaff)
		router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
