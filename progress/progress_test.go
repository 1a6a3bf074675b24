package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/strideapp/localinfer/api"
)

func TestRender(t *testing.T) {
	got := render(api.Progress{
		Loaded: 50 * 1000 * 1000,
		Total:  100 * 1000 * 1000,
		Phase:  api.PhaseDownloading,
		File:   "model.onnx",
	}, 80)

	for _, want := range []string{"downloading model.onnx", "50 MB/100 MB", "50%", "█"} {
		if !strings.Contains(got, want) {
			t.Errorf("render missing %q in %q", want, got)
		}
	}
	if len([]rune(got)) > 80 {
		t.Errorf("render wider than terminal: %d runes", len([]rune(got)))
	}
}

func TestRenderNarrowTerminalDropsBar(t *testing.T) {
	got := render(api.Progress{Loaded: 1, Total: 2, Phase: api.PhaseDownloading, File: "model.onnx"}, 30)
	if strings.Contains(got, "▕") {
		t.Errorf("narrow render still has a bar: %q", got)
	}
}

func TestRenderZeroTotal(t *testing.T) {
	got := render(api.Progress{Phase: api.PhaseInitializing}, 80)
	if !strings.Contains(got, "0%") {
		t.Errorf("render = %q, want 0%%", got)
	}
}

func TestBarCompletesOnce(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, -1)

	b.Update(api.Progress{Loaded: 1, Total: 2, Phase: api.PhaseDownloading})
	b.Update(api.Progress{Loaded: 2, Total: 2, Phase: api.PhaseComplete})
	b.Update(api.Progress{Loaded: 2, Total: 2, Phase: api.PhaseComplete})

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Errorf("output should end exactly once:\n%q", out)
	}
	if !strings.Contains(out, string(api.PhaseComplete)) {
		t.Errorf("output missing completion: %q", out)
	}
}

func TestBarStopWithoutCompletion(t *testing.T) {
	var buf bytes.Buffer
	b := NewBar(&buf, -1)

	b.Update(api.Progress{Loaded: 1, Total: 2, Phase: api.PhaseDownloading})
	b.Stop()
	b.Update(api.Progress{Loaded: 2, Total: 2, Phase: api.PhaseDownloading})

	if !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("output not terminated: %q", buf.String())
	}
}
