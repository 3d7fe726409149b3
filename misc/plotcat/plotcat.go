// plotcat plots per-site posterior mean substitution rates under a
// discrete gamma rate mixture.
package main

import (
	"flag"
	"fmt"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/evolbio/phylomix/bio"
	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/dist"
	"github.com/evolbio/phylomix/mixture"
	"github.com/evolbio/phylomix/smodel"
	"github.com/evolbio/phylomix/tree"
)

func main() {
	alignmentFileName := flag.String("ali", "", "alignment file")
	treeFileName := flag.String("tree", "", "tree file")
	alpha := flag.Float64("alpha", 0.5, "gamma shape")
	ncat := flag.Int("ncat", 4, "number of rate categories")
	useMedian := flag.Bool("median", false, "Use median instead of mean")
	out := flag.String("o", "rates.png", "output file")
	flag.Parse()

	af, err := os.Open(*alignmentFileName)
	if err != nil {
		panic(err)
	}
	defer af.Close()
	seqs, err := bio.ParseFasta(af)
	if err != nil {
		panic(err)
	}
	length, err := seqs.Length()
	if err != nil {
		panic(err)
	}

	tf, err := os.Open(*treeFileName)
	if err != nil {
		panic(err)
	}
	defer tf.Close()
	t, err := tree.ParseNewick(tf)
	if err != nil {
		panic(err)
	}

	jc, err := ctmc.NewJukesCantor(bio.NStates)
	if err != nil {
		panic(err)
	}
	mix, err := mixture.NewDiscreteGamma(jc, *alpha, *ncat, *useMedian)
	if err != nil {
		panic(err)
	}
	m, err := smodel.New(mix, length)
	if err != nil {
		panic(err)
	}

	obs, err := smodel.ObservationsFromSequences(t, seqs)
	if err != nil {
		panic(err)
	}
	weights, err := m.PosteriorCategoryWeights(obs, t, t.Node)
	if err != nil {
		panic(err)
	}

	rates := dist.DiscreteGamma(*alpha, *alpha, *ncat, *useMedian, nil, nil)
	pts := make(plotter.XYs, length)
	for s := 0; s < length; s++ {
		mean := 0.0
		for c, w := range weights[s] {
			mean += w * rates[c]
		}
		pts[s].X = float64(s + 1)
		pts[s].Y = mean
		fmt.Println(s+1, mean)
	}

	p := plot.New()
	p.X.Label.Text = "site"
	p.Y.Label.Text = "posterior mean rate"

	err = plotutil.AddLinePoints(p,
		"rate", pts)
	if err != nil {
		panic(err)
	}

	if err := p.Save(8*vg.Inch, 4*vg.Inch, *out); err != nil {
		panic(err)
	}
}
