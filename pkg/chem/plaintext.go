package chem

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// PlainCodec handles the line-oriented deck used by the bundled test
// harness and by wrapper scripts around codes without a native parser.
//
// Input decks look like:
//
//	set basis sto-3g
//	set charge 0
//	O  0.0  0.0  0.0
//	H  0.0  0.0  1.8
//
// and outputs carry the gradient between BEGIN GRADIENT / END GRADIENT
// markers, one "name gx gy gz" line per atom.
type PlainCodec struct{}

var _ Codec = PlainCodec{}

func init() {
	Register("plain", PlainCodec{})
}

func (PlainCodec) ParseInput(body []byte) (Molecule, Params, error) {
	var mol Molecule
	params := Params{}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "set" {
			if len(fields) != 3 {
				return Molecule{}, nil, fmt.Errorf("line %d: want \"set key value\", got %q", lineno, line)
			}
			params[fields[1]] = fields[2]
			continue
		}
		if len(fields) != 4 {
			return Molecule{}, nil, fmt.Errorf("line %d: want \"name x y z\", got %q", lineno, line)
		}
		mol.Names = append(mol.Names, fields[0])
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Molecule{}, nil, fmt.Errorf("line %d: bad coordinate %q: %w", lineno, f, err)
			}
			mol.Coords = append(mol.Coords, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return Molecule{}, nil, err
	}
	if err := mol.Validate(); err != nil {
		return Molecule{}, nil, err
	}
	return mol, params, nil
}

func (PlainCodec) WriteInput(mol Molecule, params Params) ([]byte, error) {
	if err := mol.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, k := range params.sortedKeys() {
		fmt.Fprintf(&buf, "set %s %s\n", k, params[k])
	}
	for i, name := range mol.Names {
		fmt.Fprintf(&buf, "%-4s % .12f % .12f % .12f\n",
			name, mol.Coords[3*i], mol.Coords[3*i+1], mol.Coords[3*i+2])
	}
	return buf.Bytes(), nil
}

func (PlainCodec) ParseGradient(body []byte) ([]float64, error) {
	var (
		grad   []float64
		inside bool
		seen   bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "BEGIN GRADIENT":
			inside, seen = true, true
			grad = grad[:0]
		case line == "END GRADIENT":
			inside = false
		case inside:
			fields := strings.Fields(line)
			if len(fields) != 4 {
				return nil, fmt.Errorf("bad gradient line %q", line)
			}
			for _, f := range fields[1:] {
				v, err := strconv.ParseFloat(f, 64)
				if err != nil {
					return nil, fmt.Errorf("bad gradient value %q: %w", f, err)
				}
				grad = append(grad, v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !seen {
		return nil, fmt.Errorf("output has no gradient block")
	}
	if len(grad) == 0 {
		return nil, fmt.Errorf("gradient block is empty")
	}
	return grad, nil
}
