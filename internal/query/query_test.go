package query

import (
	"encoding/json"
	"slices"
	"testing"
)

func docs(t *testing.T) []map[string]any {
	t.Helper()
	lines := []string{
		`{"id":"01","hostname":"ec2-54-191-01","privateKey":"k1","tags":["web","prod"],"cpu":2}`,
		`{"id":"02","hostname":"ec2-54-191-02","privateKey":"k2","tags":["db"],"cpu":8,"deleted":false}`,
		`{"id":"03","hostname":"ec2-54-191-03","privateKey":"k3","cpu":4,"address":{"city":"Paris"}}`,
		`{"id":"04","hostname":"ec2-54-191-04","privateKey":null,"cpu":16,"deleted":true}`,
		`{"id":"05","hostname":"ec2-54-191-05","address":[{"city":"Oslo"},{"city":"Rome"}]}`,
		`{"id":"06","hostname":"ec2-54-191-06","cpu":"12"}`,
	}
	out := make([]map[string]any, len(lines))
	for i, l := range lines {
		if err := json.Unmarshal([]byte(l), &out[i]); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func ids(t *testing.T, expr string, in []map[string]any) []string {
	t.Helper()
	e, err := Compile(expr)
	if err != nil {
		t.Fatalf("Compile(%q) failed: %v", expr, err)
	}
	var out []string
	for _, d := range in {
		if e.Match(d) {
			out = append(out, d["id"].(string))
		}
	}
	return out
}

func TestMatch(t *testing.T) {
	in := docs(t)
	tests := []struct {
		expr string
		want []string
	}{
		{"/.", []string{"01", "02", "03", "04", "05", "06"}},
		{"", []string{"01", "02", "03", "04", "05", "06"}},
		{"/.[id='01']", []string{"01"}},
		{`/.[id="02"]`, []string{"02"}},
		{"[id='03']", []string{"03"}},
		{"/.[id>'03']", []string{"04", "05", "06"}},
		{"/.[id>='03']", []string{"03", "04", "05", "06"}},
		{"/.[id<'03']", []string{"01", "02"}},
		{"/.[id!='01']", []string{"02", "03", "04", "05", "06"}},
		{"/.[cpu>4]", []string{"02", "04", "06"}},
		{"/.[cpu<=4]", []string{"01", "03"}},
		{"/.[cpu=12]", []string{"06"}},
		{"/.[hostname>'ec2-54-191-04']", []string{"05", "06"}},
		{"/.[id>'03' and cpu]", []string{"04", "06"}},
		{"/.[id='01' or id='06']", []string{"01", "06"}},
		{"/.[id>'01'][id<'04']", []string{"02", "03"}},
		{"/.[not(deleted)]", []string{"01", "02", "03", "05", "06"}},
		{"/.[deleted=true()]", []string{"04"}},
		{"/.[deleted=false()]", []string{"02"}},
		{"/.[privateKey]", []string{"01", "02", "03"}},
		{"/.[tags='db']", []string{"02"}},
		{"/.[contains(hostname, '191-0') and starts-with(id, '0')]", []string{"01", "02", "03", "04", "05", "06"}},
		{"/.[ends-with(hostname, '-03')]", []string{"03"}},
		{"/.[address/city='Paris']", []string{"03"}},
		{"/.[address/city='Rome']", []string{"05"}},
		{"/.[(id='01' or id='02') and cpu=8]", []string{"02"}},
		{"/.[@id='04']", []string{"04"}},
		{"/.[./id='05']", []string{"05"}},
		{"/.[missing='x']", nil},
		{"/.[missing!='x']", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := ids(t, tt.expr, in); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	t.Run("errors", func(t *testing.T) {
		for _, expr := range []string{
			"/.[id='01'",
			"/.[id='01]",
			"/.[]",
			"/.[id=]",
			"/.[id ! '01']",
			"/.[unknown(id)]",
			"/.[contains(id)]",
			"/.[id='01'] trailing",
			"/.[id # 1]",
		} {
			if _, err := Compile(expr); err == nil {
				t.Errorf("Compile(%q) succeeded", expr)
			}
		}
	})
	t.Run("String", func(t *testing.T) {
		if got := MustCompile("/.[id='01']").String(); got != "/.[id='01']" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("MustCompile panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		MustCompile("/.[")
	})
}

func TestEvaluate(t *testing.T) {
	in := docs(t)
	seq, err := Evaluate("/.[cpu>2]", slices.Values(in))
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for d := range seq {
		got = append(got, d["id"].(string))
		if len(got) == 2 {
			break
		}
	}
	if want := []string{"02", "03"}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := Evaluate("/.[", slices.Values(in)); err == nil {
		t.Error("expected error")
	}
}

func TestXPath(t *testing.T) {
	match, err := XPath{}.Compile("/.[id='02']")
	if err != nil {
		t.Fatal(err)
	}
	in := docs(t)
	if match(in[0]) || !match(in[1]) {
		t.Error("unexpected match result")
	}
}
