/*

Phylomix works with multi-category substitution models on phylogenetic
trees: mixture log-likelihoods, exact posterior sampling of ancestral
states, sequence simulation and rate matrix estimation with
expectation-maximization.

The basic usage of phylomix looks like this:

	phylomix lnL alignment.fst tree.nwk

, this will compute the log-likelihood under the default model.

You can change the model and the number of rate categories:

	phylomix -model HKY -kappa 4 -ncat 4 lnL alignment.fst tree.nwk

To see all the options run:

	phylomix -h

*/
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/op/go-logging"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/evolbio/phylomix/bio"
	"github.com/evolbio/phylomix/checkpoint"
	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/mcem"
	"github.com/evolbio/phylomix/mixture"
	"github.com/evolbio/phylomix/smodel"
	"github.com/evolbio/phylomix/tree"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("phylomix")
var formatter = logging.MustStringFormatter(`%{message}`)

var (
	app = kingpin.New("phylomix", "multi-category substitution model engine").Version(version)

	command = app.Arg("command",
		"command to run (lnL, sample, simulate or em)").Required().String()
	treeFileName      = app.Arg("tree", "phylogenetic tree").Required().ExistingFile()
	alignmentFileName = app.Arg("alignment",
		"sequence alignment (not used by simulate)").String()

	// model specification
	model = app.Flag("model",
		"substitution model (JC, HKY or GTR)").Default("JC").String()
	kappa = app.Flag("kappa",
		"transition/transversion ratio (HKY)").Default("2").Float64()
	freqStr = app.Flag("freq",
		"comma-separated equilibrium frequencies, ACGT order (HKY and GTR)").
		Default("0.25,0.25,0.25,0.25").String()
	exchStr = app.Flag("exch",
		"comma-separated GTR exchangeabilities (AC,AG,AT,CG,CT,GT)").
		Default("1,1,1,1,1,1").String()
	ncat = app.Flag("ncat",
		"number of discrete gamma rate categories (no rate variation by default)").
		Default("1").Int()
	alpha = app.Flag("alpha",
		"discrete gamma shape").Default("0.5").Float64()
	useMedian = app.Flag("median",
		"use interval medians for the gamma discretization").Bool()

	// command parameters
	nSites = app.Flag("sites",
		"number of sites to simulate").Default("1000").Int()
	sweeps = app.Flag("sweeps",
		"number of EM sweeps").Default("10").Int()
	mcSamples = app.Flag("samples",
		"Monte-Carlo path samples per EM sweep (0 uses the exact E-step)").
		Default("0").Int()
	fitShape = app.Flag("fitshape",
		"refit the gamma shape during EM").Bool()
	checkpointFileName = app.Flag("checkpoint",
		"EM checkpoint database file").String()
	checkpointKey = app.Flag("checkpointkey",
		"EM checkpoint key").Default("em").String()

	seed     = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"(CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG)").Default("NOTICE").String()
	jsonF = app.Flag("json", "write json output to a file").String()
)

// Summary stores the run results for the json output.
type Summary struct {
	Command     string      `json:"command"`
	Likelihood  float64     `json:"likelihood,omitempty"`
	RateMatrix  [][]float64 `json:"rateMatrix,omitempty"`
	Shape       float64     `json:"shape,omitempty"`
	Seed        int64       `json:"seed"`
	Version     string      `json:"version"`
	CommandLine []string    `json:"commandLine"`
	Time        float64     `json:"time"`
}

// parseFloats parses a comma-separated list of numbers.
func parseFloats(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	res := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

// makeChain creates the base CTMC from the model flags.
func makeChain() (*ctmc.CTMC, error) {
	switch *model {
	case "JC":
		log.Info("Using JC model")
		return ctmc.NewJukesCantor(bio.NStates)
	case "HKY":
		log.Info("Using HKY model")
		freq, err := parseFloats(*freqStr)
		if err != nil {
			return nil, err
		}
		return ctmc.NewHKY(*kappa, freq)
	case "GTR":
		log.Info("Using GTR model")
		freq, err := parseFloats(*freqStr)
		if err != nil {
			return nil, err
		}
		exch, err := parseFloats(*exchStr)
		if err != nil {
			return nil, err
		}
		return ctmc.NewGTR(exch, freq)
	}
	return nil, fmt.Errorf("unknown model: %s", *model)
}

// makeMixture wraps the base chain in a rate mixture.
func makeMixture(chain *ctmc.CTMC) (mixture.RateMatrixMixture, error) {
	if *ncat == 1 {
		return mixture.NewSingle(chain), nil
	}
	log.Infof("%d gamma rate categories, shape=%v", *ncat, *alpha)
	return mixture.NewDiscreteGamma(chain, *alpha, *ncat, *useMedian)
}

// readTree parses the input tree.
func readTree() (*tree.Tree, error) {
	f, err := os.Open(*treeFileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tree.ParseNewick(f)
}

// readAlignment parses the input alignment and converts it to
// observation factors.
func readAlignment(t *tree.Tree) (smodel.Observations, int, error) {
	if *alignmentFileName == "" {
		return nil, 0, fmt.Errorf("command %s requires an alignment", *command)
	}
	f, err := os.Open(*alignmentFileName)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	seqs, err := bio.ParseFasta(f)
	if err != nil {
		return nil, 0, err
	}
	length, err := seqs.Length()
	if err != nil {
		return nil, 0, err
	}
	log.Infof("Read alignment: %d sequences, %d sites", len(seqs), length)
	obs, err := smodel.ObservationsFromSequences(t, seqs)
	if err != nil {
		return nil, 0, err
	}
	return obs, length, nil
}

// observationsToSequences converts one-hot observation factors back to
// sequences; ambiguous sites become N.
func observationsToSequences(obs smodel.Observations, t *tree.Tree) bio.Sequences {
	seqs := make(bio.Sequences, 0, t.NLeaves())
	for node := range t.Terminals() {
		var b strings.Builder
		for _, row := range obs[node.Id] {
			letter := byte('N')
			active := 0
			for x, v := range row {
				if v > 0 {
					active++
					letter = bio.NumNucleotide[byte(x)]
				}
			}
			if active != 1 {
				letter = 'N'
			}
			b.WriteByte(letter)
		}
		seqs = append(seqs, bio.Sequence{Name: node.Name, Sequence: b.String()})
	}
	return seqs
}

// sampleToSequences converts a sampled internal state assignment to
// per-node sequences.
func sampleToSequences(is *smodel.InternalSample, t *tree.Tree) (bio.Sequences, error) {
	seqs := make(bio.Sequences, 0, t.NNodes())
	for node := range t.NonTerminals() {
		var b strings.Builder
		for s := 0; s < is.NSites(); s++ {
			x, err := is.State(node, s)
			if err != nil {
				return nil, err
			}
			b.WriteByte(bio.NumNucleotide[byte(x)])
		}
		name := node.Name
		if name == "" {
			name = fmt.Sprintf("node%d", node.Id)
		}
		seqs = append(seqs, bio.Sequence{Name: name, Sequence: b.String()})
	}
	return seqs, nil
}

func run(rnd *rand.Rand, summary *Summary) error {
	t, err := readTree()
	if err != nil {
		return err
	}
	log.Infof("Read tree: %d leaves", t.NLeaves())

	chain, err := makeChain()
	if err != nil {
		return err
	}

	switch *command {
	case "lnL":
		obs, length, err := readAlignment(t)
		if err != nil {
			return err
		}
		mix, err := makeMixture(chain)
		if err != nil {
			return err
		}
		m, err := smodel.New(mix, length)
		if err != nil {
			return err
		}
		l, err := m.LogLikelihood(obs, t, t.Node)
		if err != nil {
			return err
		}
		summary.Likelihood = l
		log.Noticef("lnL=%v", l)

	case "sample":
		obs, length, err := readAlignment(t)
		if err != nil {
			return err
		}
		mix, err := makeMixture(chain)
		if err != nil {
			return err
		}
		m, err := smodel.New(mix, length)
		if err != nil {
			return err
		}
		is, err := m.SamplePosteriorInternalNodes(rnd, obs, t, t.Node)
		if err != nil {
			return err
		}
		seqs, err := sampleToSequences(is, t)
		if err != nil {
			return err
		}
		fmt.Println(seqs)
		cats := make([]string, is.NSites())
		for s := range cats {
			cats[s] = strconv.Itoa(is.Category(s))
		}
		log.Noticef("site categories: %s", strings.Join(cats, " "))

	case "simulate":
		mix, err := makeMixture(chain)
		if err != nil {
			return err
		}
		m, err := smodel.New(mix, *nSites)
		if err != nil {
			return err
		}
		obs, _, err := m.GenerateObservations(rnd, t, t.Node)
		if err != nil {
			return err
		}
		fmt.Println(observationsToSequences(obs, t))

	case "em":
		obs, _, err := readAlignment(t)
		if err != nil {
			return err
		}
		em, err := mcem.New(obs, t, t.Node, chain.RateMatrix(), *alpha, *ncat, rnd)
		if err != nil {
			return err
		}
		em.NSamples = *mcSamples
		em.FitShape = *fitShape
		em.UseMedian = *useMedian
		if *checkpointFileName != "" {
			db, err := bolt.Open(*checkpointFileName, 0644, nil)
			if err != nil {
				return err
			}
			defer db.Close()
			em.SetCheckpointIO(checkpoint.NewCheckpointIO(db, []byte(*checkpointKey), 30))
		}
		if err := em.Run(*sweeps); err != nil {
			return err
		}
		summary.Likelihood = em.Likelihood()
		summary.RateMatrix = em.RateMatrix()
		summary.Shape = em.Shape()
		log.Noticef("final lnL=%v", em.Likelihood())
		for _, row := range em.RateMatrix() {
			log.Noticef("%v", row)
		}

	default:
		return fmt.Errorf("unknown command: %s", *command)
	}
	return nil
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logging.SetLevel(level, "phylomix")
	logging.SetLevel(level, "smodel")
	logging.SetLevel(level, "mcem")
	logging.SetLevel(level, "checkpoint")

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)
	rnd := rand.New(rand.NewSource(*seed))

	startTime := time.Now()
	summary := &Summary{
		Command:     *command,
		Seed:        *seed,
		Version:     version,
		CommandLine: os.Args,
	}

	if err := run(rnd, summary); err != nil {
		log.Fatal(err)
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.Time = deltaT.Seconds()

	if *jsonF != "" {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
}
