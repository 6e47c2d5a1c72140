package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/covq/covq/format"
)

type Bar struct {
	message string

	maxValue     int64
	initialValue int64
	currentValue int64

	started time.Time

	rate    int64
	statted time.Time
	stat    int64
}

func NewBar(message string, maxValue, initialValue int64) *Bar {
	return &Bar{
		message:      message,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
	}
}

func (b *Bar) Set(value int64) {
	if value >= b.maxValue {
		value = b.maxValue
	}
	b.currentValue = value
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}
	return 0
}

// Rate samples throughput at most once per second so the display does
// not jitter.
func (b *Bar) Rate() int64 {
	if time.Since(b.statted) < time.Second {
		return b.rate
	}

	if !b.statted.IsZero() {
		b.rate = b.currentValue - b.stat
	}
	b.stat = b.currentValue
	b.statted = time.Now()
	return b.rate
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		fmt.Fprintf(&pre, "%s ", strings.TrimSpace(b.message))
	}
	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, "(%s/%s", format.HumanBytes(b.currentValue), format.HumanBytes(b.maxValue))
	if rate := b.Rate(); rate > 0 && b.currentValue < b.maxValue {
		fmt.Fprintf(&suf, ", %s/s", format.HumanBytes(rate))
	}
	fmt.Fprintf(&suf, ")")

	// 2 boundary characters and 1 trailing space
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
