package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurity_VerifyAcceptsSha256Prefix(t *testing.T) {
	s := Security{Secret: "topsecret"}
	payload := []byte(`{"event":"upload"}`)
	sig, err := s.GenerateSignature(payload)
	require.NoError(t, err)
	assert.True(t, s.Verify(payload, sig))
}

func TestSecurity_VerifyAcceptsBareHex(t *testing.T) {
	s := Security{Secret: "topsecret"}
	payload := []byte(`{"event":"upload"}`)
	sig, err := s.GenerateSignature(payload)
	require.NoError(t, err)
	bare := sig[len("sha256="):]
	assert.True(t, s.Verify(payload, bare))
}

func TestSecurity_VerifyRejectsTamperedPayload(t *testing.T) {
	s := Security{Secret: "topsecret"}
	sig, err := s.GenerateSignature([]byte("original"))
	require.NoError(t, err)
	assert.False(t, s.Verify([]byte("tampered"), sig))
}

func TestSecurity_VerifySkippedWhenNoSecretConfigured(t *testing.T) {
	s := Security{}
	assert.True(t, s.Verify([]byte("anything"), "whatever"))
}

func TestStorageEvent_ShouldProcess(t *testing.T) {
	assert.True(t, StorageEvent{ObjectPath: "uploads/P042/session.C3D"}.ShouldProcess())
	assert.False(t, StorageEvent{ObjectPath: "uploads/P042/readme.txt"}.ShouldProcess())
}

func TestStorageEvent_PatientCode(t *testing.T) {
	code, ok := StorageEvent{ObjectPath: "uploads/P042/session-1.c3d"}.PatientCode()
	assert.True(t, ok)
	assert.Equal(t, "P042", code)

	_, ok = StorageEvent{ObjectPath: "uploads/unknown/session-1.c3d"}.PatientCode()
	assert.False(t, ok)
}

type fakeDedup struct {
	sessionID string
	found     bool
	err       error
}

func (f fakeDedup) FindRecent(bucket, objectPath string, since time.Time) (string, bool, error) {
	return f.sessionID, f.found, f.err
}

func TestDispatcher_RejectsDuplicateUnderAckIgnorePolicy(t *testing.T) {
	d := Dispatcher{
		Security:          Security{},
		IdempotencyWindow: 5 * time.Minute,
		DuplicatePolicy:   PolicyAckIgnore,
		Dedup:             fakeDedup{sessionID: "sess-1", found: true},
	}
	decision := d.Evaluate([]byte("x"), "", StorageEvent{Bucket: "b", ObjectPath: "P001/a.c3d"})
	assert.False(t, decision.Accept)
	assert.True(t, decision.Duplicate)
	assert.Equal(t, "sess-1", decision.ExistingID)
}

func TestDispatcher_AcceptsDuplicateUnderLinkSiblingPolicy(t *testing.T) {
	d := Dispatcher{
		DuplicatePolicy: PolicyLinkSibling,
		Dedup:           fakeDedup{sessionID: "sess-1", found: true},
	}
	decision := d.Evaluate([]byte("x"), "", StorageEvent{Bucket: "b", ObjectPath: "P001/a.c3d"})
	assert.True(t, decision.Accept)
	assert.True(t, decision.Duplicate)
}

func TestDispatcher_RejectsNonC3DObjects(t *testing.T) {
	d := Dispatcher{}
	decision := d.Evaluate([]byte("x"), "", StorageEvent{ObjectPath: "P001/readme.txt"})
	assert.False(t, decision.Accept)
}

func TestDispatcher_AcceptsFreshDelivery(t *testing.T) {
	d := Dispatcher{Dedup: fakeDedup{found: false}}
	decision := d.Evaluate([]byte("x"), "", StorageEvent{ObjectPath: "P007/session.c3d"})
	assert.True(t, decision.Accept)
	assert.Equal(t, "P007", decision.PatientCode)
}
