package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/danl5/loadelect/pkg/config"
	"github.com/danl5/loadelect/pkg/consensus"
	"github.com/danl5/loadelect/pkg/model"
	"github.com/danl5/loadelect/pkg/sysmetrics"
	"github.com/danl5/loadelect/pkg/transport/local"
)

var (
	outputPath = flag.String("o", "./fsm_visual", "output path")
)

func main() {
	flag.Parse()

	network, err := local.NewNetwork(model.MetricsExtended)
	if err != nil {
		panic(err)
	}
	c, err := consensus.NewConsensus(
		model.ElectNode{
			Node: model.Node{
				ID:      "visualize",
				Address: "visualize",
			},
		},
		network.Transport("visualize"),
		nil,
		sysmetrics.Static{},
		&config.Config{},
		slog.Default())
	if err != nil {
		panic(err)
	}
	visualStr := c.Visualize()

	f, err := os.OpenFile(*outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	_, err = f.WriteString(visualStr)
	if err != nil {
		panic(err)
	}

	fmt.Println("Visualization finished")
}
