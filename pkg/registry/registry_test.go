package registry

import (
	"testing"
)

func TestAddRemoveGet(t *testing.T) {
	r := NewRegistry(nil)

	rec := r.Add("peer1", []byte{1, 2, 3})
	if rec.Classification != ClassUnknown || rec.Trust != TrustNone {
		t.Errorf("fresh record: %s/%s", rec.Classification, rec.Trust)
	}
	if rec.FirstSeen.IsZero() || rec.LastSeen.IsZero() {
		t.Error("timestamps not set")
	}

	if _, ok := r.Get("peer1"); !ok {
		t.Error("record not retrievable")
	}

	r.Remove("peer1")
	if _, ok := r.Get("peer1"); ok {
		t.Error("record survived removal")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("peer1", nil)
	r.setClassification("peer1", ClassVerifiedOverlay, TrustFull,
		[]string{OpIdentify, OpStoreRead}, true, "fd00:1:2:3:4:5:6:7")

	again := r.Add("peer1", nil)
	if again.Classification != ClassVerifiedOverlay {
		t.Error("re-add reset the classification")
	}
}

func TestAllowedPolicyMatrix(t *testing.T) {
	r := NewRegistry([]string{"infra-peer"})

	r.Add("infra-peer", nil)
	r.setClassification("infra-peer", ClassPublicInfrastructure, TrustMinimal, nil, false, "")

	r.Add("unknown-peer", nil)
	r.setClassification("unknown-peer", ClassUnknown, TrustLimited, []string{OpIdentify}, false, "")

	r.Add("verified-peer", nil)
	r.setClassification("verified-peer", ClassVerifiedOverlay, TrustFull,
		[]string{OpIdentify, OpStoreRead, OpRangeRead, OpRelayUse, OpCapabilityShare}, true, "")

	r.Add("bad-peer", nil)
	r.setClassification("bad-peer", ClassSuspicious, TrustNone, nil, false, "")

	allOps := []string{OpIdentify, OpStoreRead, OpRangeRead, OpRelayUse, OpCapabilityShare}

	testCases := []struct {
		peer    string
		op      string
		allowed bool
	}{
		{"verified-peer", OpStoreRead, true},
		{"verified-peer", OpRelayUse, true},
		{"unknown-peer", OpIdentify, true},
		{"unknown-peer", OpStoreRead, false},
		{"unknown-peer", OpRangeRead, false},
		{"infra-peer", OpIdentify, false},
		{"bad-peer", OpIdentify, false},
		// Never-seen peers get only the identification surface.
		{"stranger", OpIdentify, true},
		{"stranger", OpStoreRead, false},
	}
	for _, tc := range testCases {
		if got := r.Allowed(tc.peer, tc.op); got != tc.allowed {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tc.peer, tc.op, got, tc.allowed)
		}
	}

	// Suspicious and infrastructure get nothing at all.
	for _, op := range allOps {
		if r.Allowed("bad-peer", op) {
			t.Errorf("suspicious peer allowed %s", op)
		}
		if r.Allowed("infra-peer", op) {
			t.Errorf("infrastructure peer allowed %s", op)
		}
	}
}

func TestDenyOverridesClass(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("p", nil)
	r.setClassification("p", ClassVerifiedOverlay, TrustFull, []string{OpStoreRead}, true, "")

	r.mu.Lock()
	r.peers["p"].Deny[OpStoreRead] = true
	r.mu.Unlock()

	if r.Allowed("p", OpStoreRead) {
		t.Error("deny-set did not override classification")
	}
}

func TestAdvertisedStores(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("p1", nil)
	r.setClassification("p1", ClassVerifiedOverlay, TrustFull, nil, true, "")
	r.Add("p2", nil)
	r.setClassification("p2", ClassVerifiedOverlay, TrustFull, nil, true, "")
	r.Add("p3", nil) // stays unknown

	r.SetAdvertised("p1", []string{"aa", "bb"}, []string{"relay"})
	r.SetAdvertised("p2", []string{"bb"}, nil)
	r.SetAdvertised("p3", []string{"aa"}, nil)

	withAA := r.PeersWithStore("aa")
	if len(withAA) != 1 || withAA[0] != "p1" {
		t.Errorf("PeersWithStore(aa) = %v; unknown peers must not be sources", withAA)
	}
	withBB := r.PeersWithStore("bb")
	if len(withBB) != 2 {
		t.Errorf("PeersWithStore(bb) = %v", withBB)
	}

	if n := r.CountVerified(); n != 2 {
		t.Errorf("CountVerified = %d, want 2", n)
	}
}

func TestPrivacyByClass(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("v", nil)
	r.setClassification("v", ClassVerifiedOverlay, TrustFull, nil, true, "")
	r.Add("s", nil)
	r.setClassification("s", ClassSuspicious, TrustNone, nil, false, "")

	v, _ := r.Get("v")
	if v.Privacy != PrivacyNone {
		t.Errorf("verified privacy: %s", v.Privacy)
	}
	s, _ := r.Get("s")
	if s.Privacy != PrivacyMaximum {
		t.Errorf("suspicious privacy: %s", s.Privacy)
	}
}

func TestRecordCloneIsolation(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("p", nil)
	r.SetAdvertised("p", []string{"aa"}, nil)

	rec, _ := r.Get("p")
	rec.AdvertisedStores[0] = "mutated"
	rec.Allow["injected"] = true

	fresh, _ := r.Get("p")
	if fresh.AdvertisedStores[0] != "aa" {
		t.Error("returned record shares advertised slice with registry")
	}
	if fresh.Allow["injected"] {
		t.Error("returned record shares allow map with registry")
	}
}
