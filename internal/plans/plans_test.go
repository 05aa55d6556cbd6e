package plans

import "testing"

func TestByKey(t *testing.T) {
	p, ok := ByKey("pro")
	if !ok || p.Credits != 300 || len(p.AllowedModels) != 3 {
		t.Fatalf("pro plan: ok=%v %+v", ok, p)
	}
	if _, ok := ByKey("enterprise"); ok {
		t.Fatal("unknown plan should not resolve")
	}
}

func TestFree(t *testing.T) {
	f := Free()
	if f.Key != "free" || f.Credits != 10 {
		t.Fatalf("free plan: %+v", f)
	}
	if len(f.AllowedModels) != 1 || f.AllowedModels[0] != ModelChatGPT {
		t.Fatalf("free models: %v", f.AllowedModels)
	}
	if f.StripePriceID != "" {
		t.Fatal("free plan has no Stripe price")
	}
}

func TestAllowsModel(t *testing.T) {
	if !AllowsModel("starter", ModelPerplexity) {
		t.Fatal("starter should allow perplexity")
	}
	if AllowsModel("starter", ModelGoogleAIOverview) {
		t.Fatal("starter should not allow google_ai_overview")
	}
	// Unknown plans fall back to the free policy.
	if AllowsModel("bogus", ModelPerplexity) {
		t.Fatal("unknown plan should use free policy")
	}
	if !AllowsModel("bogus", ModelChatGPT) {
		t.Fatal("free policy allows chatgpt")
	}
}

func TestTopupByKey(t *testing.T) {
	tu, ok := TopupByKey("medium")
	if !ok || tu.Credits != 150 {
		t.Fatalf("medium topup: ok=%v %+v", ok, tu)
	}
	if _, ok := TopupByKey("jumbo"); ok {
		t.Fatal("unknown topup should not resolve")
	}
}

func TestAll_StableOrder(t *testing.T) {
	all := All()
	want := []string{"free", "starter", "pro", "agency"}
	if len(all) != len(want) {
		t.Fatalf("expected %d plans got %d", len(want), len(all))
	}
	for i, k := range want {
		if all[i].Key != k {
			t.Fatalf("plan %d: got %s want %s", i, all[i].Key, k)
		}
	}
}
