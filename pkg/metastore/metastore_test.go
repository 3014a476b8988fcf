package metastore

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(kvstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(kv)
}

func TestUnlockRecordsRejectDuplicateTx(t *testing.T) {
	s := newStore(t)
	r, err := s.AddUnlockRecord(UnlockRecord{ResumeRef: "doc-1", Buyer: "0xB0", Seller: "0xA1", Amount: 5, TxRef: "tx-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "confirmed", r.Status)

	_, err = s.AddUnlockRecord(UnlockRecord{ResumeRef: "doc-1", Buyer: "0xB0", TxRef: "tx-1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.AddUnlockRecord(UnlockRecord{Buyer: "0xB0", TxRef: "tx-2"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUnlockRecordQueries(t *testing.T) {
	s := newStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tx := range []string{"a", "b", "c"} {
		_, err := s.AddUnlockRecord(UnlockRecord{
			ResumeRef: "doc-1", Buyer: "0xB0", TxRef: tx,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err := s.AddUnlockRecord(UnlockRecord{ResumeRef: "doc-2", Buyer: "0xC0", TxRef: "d"})
	require.NoError(t, err)

	mine, err := s.UnlockRecordsByBuyer("0xb0")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "c", mine[0].TxRef, "newest first")

	byDoc, err := s.UnlockRecordsByResume("doc-2")
	require.NoError(t, err)
	assert.Len(t, byDoc, 1)

	ok, err := s.HasUnlocked("doc-1", "0xB0")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasUnlocked("doc-1", "0xC0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocuments(t *testing.T) {
	s := newStore(t)
	d, err := s.PutDocument(Document{BlobID: "blob", EncryptionID: "ab", Mode: ModeSubscription, Price: 10})
	require.NoError(t, err)
	got, err := s.Document(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.BlobID, got.BlobID)

	_, err = s.Document("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.PutDocument(Document{BlobID: "blob", EncryptionID: "ab", Mode: "other"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.PutDocument(Document{ID: "not-a-uuid", BlobID: "blob", EncryptionID: "ab", Mode: ModeAllowlist})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestServerRequiresTokenForWrites(t *testing.T) {
	secret := []byte("test-secret")
	e := NewServer(newStore(t), ServerConfig{WriteSecret: secret})

	req := httptest.NewRequest(http.MethodPost, "/api/documents",
		bytes.NewBufferString(`{"blob_id":"b","encryption_id":"e","mode":"allowlist"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken(secret, "publisher", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/documents",
		bytes.NewBufferString(`{"blob_id":"b","encryption_id":"e","mode":"allowlist"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	forged, err := IssueToken([]byte("other"), "publisher", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/unlock-records", bytes.NewBufferString(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+forged)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	secret := []byte("s3cret")
	srv := httptest.NewServer(NewServer(newStore(t), ServerConfig{WriteSecret: secret}))
	t.Cleanup(srv.Close)
	token, err := IssueToken(secret, "seal", time.Hour)
	require.NoError(t, err)
	c := NewClient(srv.URL, token, srv.Client())

	rec, err := c.AddUnlockRecord(ctx, UnlockRecord{ResumeRef: "doc", Buyer: "0xB0", TxRef: "tx"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	_, err = c.AddUnlockRecord(ctx, UnlockRecord{ResumeRef: "doc", Buyer: "0xB0", TxRef: "tx"})
	assert.ErrorIs(t, err, ErrDuplicate)

	ok, err := c.HasUnlocked(ctx, "doc", "0xB0")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := c.UnlockRecordsByBuyer(ctx, "0xB0")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	doc, err := c.PutDocument(ctx, Document{BlobID: "b", EncryptionID: "e", Mode: ModeAllowlist})
	require.NoError(t, err)
	got, err := c.Document(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	_, err = c.Document(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewClient(srv.URL, "", srv.Client()).PutDocument(ctx, doc)
	assert.Error(t, err)
}

func TestAccessRecords(t *testing.T) {
	s := newStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.AddAccessRecord(AccessRecord{
		ResourceRef: "enc-1", Accessor: "0xB0", AccessType: AccessDecrypt,
		Error: "no access", CreatedAt: base,
	})
	require.NoError(t, err)
	ok, err := s.AddAccessRecord(AccessRecord{
		ResourceRef: "enc-1", Accessor: "0xb0", AccessType: AccessDecrypt,
		Success: true, Error: "stale", CreatedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Empty(t, ok.Error, "successful attempts carry no error")
	_, err = s.AddAccessRecord(AccessRecord{ResourceRef: "enc-2", Accessor: "0xC0", AccessType: AccessView})
	require.NoError(t, err)

	byRef, err := s.AccessRecordsByResource("enc-1")
	require.NoError(t, err)
	require.Len(t, byRef, 2)
	assert.True(t, byRef[0].Success, "newest first")
	assert.Equal(t, "no access", byRef[1].Error)

	mine, err := s.AccessRecordsByAccessor("0xB0")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	total, succeeded, err := s.AccessCount("enc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, succeeded)

	_, err = s.AddAccessRecord(AccessRecord{ResourceRef: "enc-1", Accessor: "0xB0", AccessType: "steal"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.AddAccessRecord(AccessRecord{Accessor: "0xB0", AccessType: AccessView})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAccessLogOverHTTP(t *testing.T) {
	ctx := context.Background()
	secret := []byte("s3cret")
	srv := httptest.NewServer(NewServer(newStore(t), ServerConfig{WriteSecret: secret}))
	t.Cleanup(srv.Close)

	anonymous := NewClient(srv.URL, "", srv.Client())
	_, err := anonymous.AddAccessRecord(ctx, AccessRecord{ResourceRef: "enc", Accessor: "0xB0", AccessType: AccessDecrypt})
	require.Error(t, err)

	token, err := IssueToken(secret, "seal", time.Hour)
	require.NoError(t, err)
	c := NewClient(srv.URL, token, srv.Client())
	saved, err := c.AddAccessRecord(ctx, AccessRecord{ResourceRef: "enc", Accessor: "0xB0", AccessType: AccessDecrypt, Success: true})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	_, err = c.AddAccessRecord(ctx, AccessRecord{ResourceRef: "enc", Accessor: "0xC0", AccessType: AccessDecrypt, Error: "denied"})
	require.NoError(t, err)

	list, err := c.AccessRecordsByResource(ctx, "enc")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	total, succeeded, err := c.AccessCount(ctx, "enc")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, succeeded)
}
