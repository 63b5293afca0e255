package trainer

import (
	"testing"
)

func testData() DataSpec {
	return DataSpec{InputDim: 3, Classes: 3, Time: 2, BatchSize: 4, Seed: 7}
}

func TestDataset_Shapes(t *testing.T) {
	ds, err := NewDataset(testData())
	if err != nil {
		t.Fatal(err)
	}
	b := ds.Batch(streamTrain, 1, 0)
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	data := b.Data["data"]
	if len(data.Shape) != 3 || data.Shape[0] != 2 || data.Shape[1] != 4 || data.Shape[2] != 3 {
		t.Errorf("data shape = %v, want [2 4 3]", data.Shape)
	}
	classes := b.Data["classes"]
	for _, c := range classes.Data {
		if c < 0 || c >= 3 {
			t.Errorf("class %v out of range", c)
		}
	}
	if len(b.Tags) != 4 {
		t.Errorf("len(Tags) = %d, want 4", len(b.Tags))
	}
	if ds.Frames() != 8 {
		t.Errorf("Frames() = %d, want 8", ds.Frames())
	}
}

func TestDataset_Deterministic(t *testing.T) {
	a, _ := NewDataset(testData())
	b, _ := NewDataset(testData())

	x := a.Batch(streamTrain, 2, 5).Data["data"].Data
	y := b.Batch(streamTrain, 2, 5).Data["data"].Data
	for i := range x {
		if x[i] != y[i] {
			t.Fatalf("data[%d] = %v and %v, want equal", i, x[i], y[i])
		}
	}

	z := a.Batch(streamEval, 2, 5).Data["data"].Data
	same := true
	for i := range x {
		if x[i] != z[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("train and eval streams produced the same batch")
	}
}

func TestDataset_Invalid(t *testing.T) {
	spec := testData()
	spec.Classes = 1
	if _, err := NewDataset(spec); err == nil {
		t.Error("NewDataset(1 class) succeeded")
	}
}
