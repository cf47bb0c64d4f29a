package main

import (
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

// progressBar wraps mpb the same way object.go's transfer progress does,
// scaled down to a single counting bar over simulated iterations.
type progressBar struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

func newProgressBar(total int) *progressBar {
	p := mpb.New()
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name("iterations")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)
	return &progressBar{p: p, bar: bar}
}

func (b *progressBar) increment() { b.bar.Increment() }

func (b *progressBar) stop() { b.p.Wait() }
