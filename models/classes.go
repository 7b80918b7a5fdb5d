// Package models - Class tables for detection models.
package models

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrEmptyClassTable is returned when a class table would have no labels.
var ErrEmptyClassTable = errors.New("class table is empty")

// ClassTable is the fixed, ordered list of labels a model was trained on.
// Index i of the model's class scores maps to Label(i).
type ClassTable struct {
	labels    []string
	nameToIdx map[string]int
}

// NewClassTable builds a class table from labels in model order.
//
// Arguments:
//   - labels: The labels, index aligned with the model's class scores.
//
// Returns:
//   - *ClassTable: The immutable class table.
//   - error: ErrEmptyClassTable when no labels are given.
func NewClassTable(labels []string) (*ClassTable, error) {
	if len(labels) == 0 {
		return nil, ErrEmptyClassTable
	}
	t := &ClassTable{
		labels:    append([]string(nil), labels...),
		nameToIdx: make(map[string]int, len(labels)),
	}
	for i, l := range t.labels {
		if _, dup := t.nameToIdx[l]; !dup {
			t.nameToIdx[l] = i
		}
	}
	return t, nil
}

// MustClassTable is like NewClassTable but panics on error.
func MustClassTable(labels []string) *ClassTable {
	t, err := NewClassTable(labels)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultClassTable returns the 80-label COCO table used by YOLOv8 exports.
func DefaultClassTable() *ClassTable {
	return MustClassTable(YOLOLabels)
}

// Len returns the number of classes.
func (t *ClassTable) Len() int {
	return len(t.labels)
}

// Label returns the label for a class index, or "class <i>" when out of range.
func (t *ClassTable) Label(i int) string {
	if i < 0 || i >= len(t.labels) {
		return "class " + strconv.Itoa(i)
	}
	return t.labels[i]
}

// Index returns the class index of a label.
func (t *ClassTable) Index(label string) (int, bool) {
	i, ok := t.nameToIdx[label]
	return i, ok
}

// Labels returns a copy of the labels in model order.
func (t *ClassTable) Labels() []string {
	return append([]string(nil), t.labels...)
}

// LoadClassFile reads a class table from disk. YAML files may hold either a
// plain list or an object with a "names" list; any other file is read as
// one label per line.
//
// Arguments:
//   - path: The class file path.
//
// Returns:
//   - *ClassTable: The loaded table.
//   - error: An error if the file cannot be read or holds no labels.
func LoadClassFile(path string) (*ClassTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading class file %s", path)
	}

	var labels []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		labels, err = parseYAMLLabels(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing class file %s", path)
		}
	default:
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			if l := strings.TrimSpace(sc.Text()); l != "" {
				labels = append(labels, l)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, errors.Wrapf(err, "scanning class file %s", path)
		}
	}

	t, err := NewClassTable(labels)
	if err != nil {
		return nil, errors.Wrapf(err, "class file %s", path)
	}
	return t, nil
}

func parseYAMLLabels(data []byte) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Names []string `yaml:"names"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Names, nil
}

// YOLOLabels is the 80 COCO classes (no background) in the order YOLOv8
// exports index them.
var YOLOLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}
