package review

import "testing"

func TestParseScore(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		s := ParseScore("SCORE: 8\nFEEDBACK: solid work")
		if s.Value != 8 {
			t.Errorf("expected 8, got %d", s.Value)
		}
		if s.Feedback != "solid work" {
			t.Errorf("unexpected feedback: %q", s.Feedback)
		}
	})

	t.Run("slash notation", func(t *testing.T) {
		s := ParseScore("SCORE: 7/10\nFEEDBACK: acceptable")
		if s.Value != 7 {
			t.Errorf("expected 7, got %d", s.Value)
		}
	})

	t.Run("lowercase and padding", func(t *testing.T) {
		s := ParseScore("  score: 9 \n  feedback: great")
		if s.Value != 9 {
			t.Errorf("expected 9, got %d", s.Value)
		}
	})

	t.Run("unparseable scores zero", func(t *testing.T) {
		s := ParseScore("the submission looks fine to me")
		if s.Value != 0 {
			t.Errorf("expected 0, got %d", s.Value)
		}
		if s.Feedback == "" {
			t.Error("feedback should carry the raw reply")
		}
	})
}

func TestClamp(t *testing.T) {
	cases := []struct{ in, want int }{
		{-3, 0}, {0, 0}, {5, 5}, {10, 10}, {15, 10},
	}
	for _, c := range cases {
		if got := Clamp(c.in); got != c.want {
			t.Errorf("Clamp(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
