// Command checkpoint registers exported models in a checkpoint directory and
// shows which one an evaluation would restore.
//
//	checkpoint -dir ./checkpoints/run1 -step 20000 -model export.onnx
//	checkpoint -dir ./checkpoints/run1
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/nvr-ai/seg-eval/checkpoint"
)

func main() {
	var (
		dir   string
		model string
		step  int
	)
	flag.StringVar(&dir, "dir", "./checkpoints/", "Checkpoint directory")
	flag.StringVar(&model, "model", "", "ONNX model to add to the directory")
	flag.IntVar(&step, "step", -1, "Training step of -model")
	flag.Parse()

	if model != "" {
		f, err := os.Open(model)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		path, err := checkpoint.Save(dir, step, f)
		f.Close()
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Printf("✅ %s\n", path)
	}

	files, err := checkpoint.List(dir)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	for _, f := range files {
		size := "?"
		if info, err := os.Stat(f); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Printf("   %-40s step %-8d %s\n", f, checkpoint.StepOf(f), size)
	}

	restored, err := checkpoint.Load(dir)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if restored.Found {
		fmt.Printf("🎯 evaluation restores %s\n", restored.Path)
	}
}
