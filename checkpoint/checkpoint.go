// checkpoint stores and restores EM estimation state in a bolt
// database so interrupted runs can resume.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all checkpoints.
var MAIN = []byte("main")

// CheckpointData stores the state of one EM run: the flattened rate
// matrix row by row, the optional gamma shape, the log-likelihood and
// the sweep number.
type CheckpointData struct {
	RateMatrix []float64
	NStates    int
	Shape      float64
	Likelihood float64
	Iter       int
	Final      bool
}

// CheckpointIO saves and loads checkpoints, throttled to at most one
// save per the given number of seconds.
type CheckpointIO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewCheckpointIO creates a new CheckpointIO.
func NewCheckpointIO(db *bolt.DB, key []byte, seconds float64) (s *CheckpointIO) {
	s = &CheckpointIO{
		db:      db,
		key:     key,
		seconds: seconds,
	}
	return
}

// Save saves a checkpoint to the database.
func (s *CheckpointIO) Save(data *CheckpointData) error {
	// Even if saving fails, we do not want to run this code too often.
	s.SetNow()
	dataB, err := json.Marshal(data)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	err = SaveData(s.db, s.key, dataB)
	if err != nil {
		log.Error("Error saving checkpoint", err)
	}
	return err
}

// Load returns the stored checkpoint, nil if there is none.
func (s *CheckpointIO) Load() (*CheckpointData, error) {
	var data *CheckpointData

	b, err := LoadData(s.db, s.key)

	if err != nil || b == nil {
		return nil, err
	}

	err = json.Unmarshal(b, &data)

	if err != nil {
		return nil, err
	}

	if data == nil || len(data.RateMatrix) == 0 {
		return nil, nil
	}

	if data.Final {
		log.Noticef("Found finished EM checkpoint (iter=%v, lnL=%v)", data.Iter, data.Likelihood)
	} else {
		log.Noticef("Found unfinished EM checkpoint (iter=%v, lnL=%v)", data.Iter, data.Likelihood)
	}

	return data, nil
}

// Old returns true if the last checkpoint save was too long ago.
func (s *CheckpointIO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets the last checkpoint time to now.
func (s *CheckpointIO) SetNow() {
	s.last = time.Now()
}

// RateMatrixData flattens a rate matrix row by row for storage.
func RateMatrixData(q [][]float64) []float64 {
	res := make([]float64, 0, len(q)*len(q))
	for _, row := range q {
		res = append(res, row...)
	}
	return res
}

// DataRateMatrix restores a flattened rate matrix.
func DataRateMatrix(data []float64, nStates int) [][]float64 {
	q := make([][]float64, nStates)
	for i := 0; i < nStates; i++ {
		q[i] = data[i*nStates : (i+1)*nStates]
	}
	return q
}

// SaveData saves a value in the bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}

		err = b.Put(key, data)
		return err
	})
	return err
}

// LoadData loads a value from the bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(MAIN)
		if b == nil {
			return nil
		}

		v := b.Get(key)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
