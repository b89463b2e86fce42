package ai

import (
	"encoding/json"
	"testing"
)

type testEntity struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

func repairInto(input string, out any) error {
	repaired, err := RepairJSON(input)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), out)
}

func TestRepairJSON_ObjectVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  testEntity
	}{
		{
			name:  "valid json object",
			input: `{"name":"Acme Corp","type":"company"}`,
			want:  testEntity{Name: "Acme Corp", Type: "company"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{name: 'Acme Corp'}`,
			want:  testEntity{Name: "Acme Corp"},
		},
		{
			name:  "trailing comma",
			input: `{"name":"Acme Corp",}`,
			want:  testEntity{Name: "Acme Corp"},
		},
		{
			name:  "missing end bracket",
			input: `{"name":"Acme Corp`,
			want:  testEntity{Name: "Acme Corp"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{name: 'Acme Corp'}"`,
			want:  testEntity{Name: "Acme Corp"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"name\": \"Acme Corp\"\n}\n",
			want:  testEntity{Name: "Acme Corp"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got testEntity
			if err := repairInto(tc.input, &got); err != nil {
				t.Fatalf("RepairJSON() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("RepairJSON() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRepairJSON_ArrayVariants(t *testing.T) {
	input := `[{name:'Acme'},{name:'Globex',}]`
	var got []testEntity
	if err := repairInto(input, &got); err != nil {
		t.Fatalf("RepairJSON() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "Acme" || got[1].Name != "Globex" {
		t.Fatalf("RepairJSON() got = %+v, want Acme,Globex", got)
	}
}

func TestRepairJSON_Unrecoverable(t *testing.T) {
	var got testEntity
	if err := repairInto("hello", &got); err == nil {
		t.Fatalf("RepairJSON() produced an object from plain text: %+v", got)
	}
}

func TestMetricsRecorder(t *testing.T) {
	var r MetricsRecorder
	r.Record(ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 500})
	r.Record(ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 500})

	m := r.GetMetrics()
	if m.Requests != 2 || m.TotalTokens != 30 || m.DurationMs != 1000 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if m.TokenPerSecond != 30 {
		t.Fatalf("TokenPerSecond = %v, want 30", m.TokenPerSecond)
	}

	r.ResetMetrics()
	if got := r.GetMetrics(); got != (ModelMetrics{}) {
		t.Fatalf("metrics not reset: %+v", got)
	}

	r.Record(ModelMetrics{InputTokens: 7, TotalTokens: 7})
	if got := r.Drain(); got.InputTokens != 7 || got.Requests != 1 {
		t.Fatalf("Drain() = %+v", got)
	}
	if got := r.GetMetrics(); got != (ModelMetrics{}) {
		t.Fatalf("metrics not drained: %+v", got)
	}
}

func TestTruncateTokens_ShortTextUntouched(t *testing.T) {
	text := "Acme Corp received $2M to build a facility in Norfolk, VA."
	got, cut := TruncateTokens(text, 1000)
	if cut || got != text {
		t.Fatalf("TruncateTokens() = %q, %v", got, cut)
	}
	got, cut = TruncateTokens(text, 0)
	if cut || got != text {
		t.Fatalf("TruncateTokens() with no limit = %q, %v", got, cut)
	}
}

func TestApplyOptions(t *testing.T) {
	o := ApplyOptions(
		GenerateOptions{Model: "default", Temperature: 0.3},
		WithModel("llama3"),
		WithTemperature(0),
		WithSchema("record", map[string]any{"type": "object"}),
	)
	if o.Model != "llama3" || o.Temperature != 0 || !o.JSONOutput || o.SchemaName != "record" {
		t.Fatalf("unexpected options %+v", o)
	}
}
