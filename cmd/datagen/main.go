// Command datagen writes a synthetic VideoRecognitionResult: objects with
// stable ids that drift across the frame, entering and leaving over time.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/fbn/imgrec/overlay-server/internal/detection"
	"github.com/fbn/imgrec/overlay-server/internal/logger"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/google/uuid"
)

// Options controls the generated result.
type Options struct {
	Frames    int
	FrameRate float64
	Objects   int
	Classes   []string
	Seed      uint64
}

type object struct {
	id         string
	className  string
	classIndex int
	first      int
	last       int
	box        types.Box
	vx, vy     float64
	confidence float64
}

// Generate builds a result from opts. The same options always produce the
// same result.
func Generate(opts Options) (*types.VideoRecognitionResult, error) {
	if opts.Frames <= 0 || opts.FrameRate <= 0 {
		return nil, fmt.Errorf("frames and frame rate must be positive")
	}
	if opts.Objects < 0 {
		return nil, fmt.Errorf("objects must not be negative")
	}
	if len(opts.Classes) == 0 {
		return nil, fmt.Errorf("at least one class is required")
	}

	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], opts.Seed)
	src := rand.NewChaCha8(seed)
	rng := rand.New(src)

	objects := make([]*object, 0, opts.Objects)
	for i := 0; i < opts.Objects; i++ {
		id, err := uuid.NewRandomFromReader(src)
		if err != nil {
			return nil, fmt.Errorf("object id: %w", err)
		}
		first := rng.IntN(opts.Frames)
		lifetime := 1 + rng.IntN(opts.Frames-first)
		classIndex := rng.IntN(len(opts.Classes))
		w := 0.05 + rng.Float64()*0.25
		h := 0.05 + rng.Float64()*0.25
		objects = append(objects, &object{
			id:         id.String(),
			className:  opts.Classes[classIndex],
			classIndex: classIndex,
			first:      first,
			last:       first + lifetime - 1,
			box: types.Box{
				X: w/2 + rng.Float64()*(1-w),
				Y: h/2 + rng.Float64()*(1-h),
				W: w,
				H: h,
			},
			vx:         (rng.Float64() - 0.5) / opts.FrameRate,
			vy:         (rng.Float64() - 0.5) / opts.FrameRate,
			confidence: 0.5 + rng.Float64()*0.5,
		})
	}

	result := &types.VideoRecognitionResult{FrameRate: opts.FrameRate}
	for f := 0; f < opts.Frames; f++ {
		record := types.FrameRecord{FrameIndex: f, Detections: []types.Detection{}}
		for _, obj := range objects {
			if f < obj.first || f > obj.last {
				continue
			}
			if f > obj.first {
				obj.step(rng)
			}
			classIndex := obj.classIndex
			record.Detections = append(record.Detections, types.Detection{
				ID:         obj.id,
				Box:        obj.box,
				ClassName:  obj.className,
				Confidence: round(obj.confidence, 3),
				ClassIndex: &classIndex,
			})
		}
		result.Frames = append(result.Frames, record)
	}
	return result, nil
}

// step moves the object, bouncing off the frame edges, and jitters its confidence.
func (o *object) step(rng *rand.Rand) {
	o.box.X += o.vx
	o.box.Y += o.vy
	if lo, hi := o.box.W/2, 1-o.box.W/2; o.box.X < lo || o.box.X > hi {
		o.vx = -o.vx
		o.box.X = math.Min(math.Max(o.box.X, lo), hi)
	}
	if lo, hi := o.box.H/2, 1-o.box.H/2; o.box.Y < lo || o.box.Y > hi {
		o.vy = -o.vy
		o.box.Y = math.Min(math.Max(o.box.Y, lo), hi)
	}
	o.confidence = math.Min(1, math.Max(0.3, o.confidence+(rng.Float64()-0.5)*0.05))
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// Write encodes result as indented JSON and checks that it decodes back.
func Write(w io.Writer, result *types.VideoRecognitionResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := detection.ValidateVideoResult(data); err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func main() {
	var (
		out     string
		classes string
		opts    Options
	)
	flag.IntVar(&opts.Frames, "frames", 298, "Number of frames")
	flag.Float64Var(&opts.FrameRate, "fps", 30, "Frame rate")
	flag.IntVar(&opts.Objects, "objects", 4, "Number of objects over the whole video")
	flag.StringVar(&classes, "classes", "person,dog,cat,car", "Class names (comma-separated)")
	flag.Uint64Var(&opts.Seed, "seed", 1, "Random seed")
	flag.StringVar(&out, "out", "-", "Output file (- for stdout)")
	flag.Parse()

	logger.Init(logger.INFO, os.Stderr, false)

	for _, c := range strings.Split(classes, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opts.Classes = append(opts.Classes, c)
		}
	}

	result, err := Generate(opts)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			log.Fatalf("create %s: %v", out, err)
		}
		defer f.Close()
		w = f
	}
	if err := Write(w, result); err != nil {
		log.Fatalf("write: %v", err)
	}
	logger.Info("Datagen", "Wrote %d frames with %d objects to %s", opts.Frames, opts.Objects, out)
}
