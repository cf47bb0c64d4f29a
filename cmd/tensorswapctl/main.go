// Command tensorswapctl is the operator-facing CLI for the tensor swap
// engine, built the same way aistore's own cmd/cli/cli/object.go is
// (urfave/cli commands, a vbauerster/mpb/v4 progress bar for long-running
// operations).
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/nvswap/tensorswap/cmn"
	"github.com/nvswap/tensorswap/cmn/cos"
	"github.com/nvswap/tensorswap/cmn/nlog"
	"github.com/nvswap/tensorswap/dptr"
	"github.com/nvswap/tensorswap/memhost"
	"github.com/nvswap/tensorswap/prefetch"
	"github.com/nvswap/tensorswap/swap"
	"github.com/nvswap/tensorswap/victim"
)

func main() {
	app := cli.NewApp()
	app.Name = "tensorswapctl"
	app.Usage = "inspect and drive the on-demand GPU tensor swap engine"
	app.Commands = []cli.Command{
		statsCmd,
		simulateCmd,
	}
	if err := app.Run(os.Args); err != nil {
		nlog.Errorln(err)
		os.Exit(1)
	}
}

var statsCmd = cli.Command{
	Name:  "stats",
	Usage: "print a Statistics() snapshot after driving one idle manager",
	Action: func(c *cli.Context) error {
		const deviceBytes = 64 << 20
		eng, m := newSimulation(deviceBytes)
		fmt.Printf("device capacity: %s, resident: %d handles\n", cos.ToSizeIEC(deviceBytes), eng.SwappableCount(0))
		data, err := m.Statistics()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var simulateCmd = cli.Command{
	Name:  "simulate",
	Usage: "drive a toy iteration loop end to end against the reference allocator and oracle",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "iterations", Value: 3, Usage: "number of iterations to drive (>=3 exercises steady state)"},
		cli.Int64Flag{Name: "device-bytes", Value: 64 << 20, Usage: "simulated device capacity in bytes"},
	},
	Action: func(c *cli.Context) error {
		n := c.Int("iterations")
		deviceBytes := c.Int64("device-bytes")
		eng, m := newSimulation(deviceBytes)
		fmt.Printf("simulating %d iterations against a %s device arena\n", n, cos.ToSizeIEC(deviceBytes))
		bar := newProgressBar(n)
		defer bar.stop()

		const h = swap.Handle(1)
		for i := 0; i < n; i++ {
			m.StartIteration()
			m.NotifyBegin(0, "node0")
			if i == 0 {
				if err := m.Alloc(h, 1<<20, 0); err != nil {
					return err
				}
			}
			if _, err := m.GetDptr(h); err != nil {
				return err
			}
			m.NotifyDone(0)
			m.StopIteration()
			bar.increment()
		}
		fmt.Printf("final resident handles on device 0: %d\n", eng.SwappableCount(0))
		data, err := m.Statistics()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func newSimulation(deviceBytes int64) (*swap.Engine, *dptr.Manager) {
	alloc := memhost.New(deviceBytes)
	host, err := memhost.NewPinnedHost(false)
	if err != nil {
		nlog.Fatalln(err)
	}
	cfg := cmn.FromEnv()
	cfg.PoolType = cmn.PoolSwapOnDemand
	metrics := swap.NewMetrics(prometheus.NewRegistry())
	eng := swap.NewEngine(alloc, host, victim.New(), cfg, nil, metrics, 4)
	var m *dptr.Manager
	pf := prefetch.New(eng, cfg.NumLoop, func() int {
		if m == nil {
			return 0
		}
		return m.Iteration()
	})
	m = dptr.NewManager(cfg, eng, pf, alloc)
	if err := m.StartBinding(0); err != nil {
		nlog.Fatalln(err)
	}
	return eng, m
}
