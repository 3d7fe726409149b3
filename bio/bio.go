// Package bio provides nucleotide alphabet handling and FASTA parsing.
package bio

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Alphabet is the nucleotide alphabet in the canonical order.
const Alphabet = "ACGT"

// NStates is the number of nucleotide states.
const NStates = len(Alphabet)

// NoState marks a missing or ambiguous observation.
const NoState = byte(255)

var (
	// NucleotideNum maps a nucleotide letter to its state index.
	NucleotideNum map[byte]byte
	// NumNucleotide maps a state index to its nucleotide letter.
	NumNucleotide map[byte]byte
)

func init() {
	NucleotideNum = make(map[byte]byte, NStates)
	NumNucleotide = make(map[byte]byte, NStates)
	for i := 0; i < NStates; i++ {
		NucleotideNum[Alphabet[i]] = byte(i)
		NumNucleotide[byte(i)] = Alphabet[i]
	}
}

// StateNum returns the state index for a nucleotide letter. Ambiguity
// codes, gaps and unknown letters are returned as NoState.
func StateNum(l byte) byte {
	if l == 'U' {
		l = 'T'
	}
	if n, ok := NucleotideNum[l]; ok {
		return n
	}
	return NoState
}

// Sequence is a type which is intended for storing a nucleotide
// sequence with its name.
type Sequence struct {
	Name     string
	Sequence string
}

// Sequences stores multiple sequences. E.g. a sequence alignment.
type Sequences []Sequence

// ParseFasta parses FASTA sequences from a reader.
func ParseFasta(rd io.Reader) (seqs Sequences, err error) {
	seqs = make(Sequences, 0, 10)
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '>' {
			seq := Sequence{Name: strings.TrimSpace(line[1:])}
			seqs = append(seqs, seq)
		} else {
			if len(seqs) == 0 {
				return nil, errors.New("sequence w/o prefix")
			}
			line = strings.ToUpper(strings.Replace(line, " ", "", -1))
			seqs[len(seqs)-1].Sequence += line
		}
	}
	return
}

// Length returns the alignment length. An error is returned if the
// sequences have unequal lengths or the alignment is empty.
func (seqs Sequences) Length() (int, error) {
	if len(seqs) == 0 {
		return 0, errors.New("empty alignment")
	}
	l := len(seqs[0].Sequence)
	for _, seq := range seqs {
		if len(seq.Sequence) != l {
			return 0, errors.New("sequences have unequal lengths")
		}
	}
	return l, nil
}

// Wrap inputs a string and wraps it so string length is n characters
// or less.
func Wrap(seq string, n int) (s string) {
	for i := 0; i < len(seq); i += n {
		end := i + n
		if end > len(seq) {
			end = len(seq)
		}
		s += seq[i:end] + "\n"
	}
	return
}

// String returns a sequence in FASTA format.
func (seq Sequence) String() (s string) {
	s = ">" + seq.Name + "\n" + Wrap(seq.Sequence, 80)
	return
}

// String returns sequences in FASTA format.
func (seqs Sequences) String() (s string) {
	for _, seq := range seqs {
		s += seq.String()
	}
	if len(s) > 0 {
		s = s[:len(s)-1]
	}
	return
}
