package weather

import "testing"

func TestHaversineKMZeroForSamePoint(t *testing.T) {
	if d := haversineKM(58.41, 15.62, 58.41, 15.62); d != 0 {
		t.Fatalf("expected 0 distance for identical points, got %f", d)
	}
}

func TestHaversineKMKnownDistance(t *testing.T) {
	// Stockholm to Gothenburg, roughly 400km apart.
	d := haversineKM(59.3293, 18.0686, 57.7089, 11.9746)
	if d < 350 || d > 450 {
		t.Fatalf("expected distance near 400km, got %f", d)
	}
}
