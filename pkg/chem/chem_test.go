package chem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waterDeck = `# water, STO-3G
set basis sto-3g
set charge 0
O   0.0  0.0  0.0
H   0.0  0.0  1.8
H   0.0  1.7  -0.5
`

func TestPlainCodecParseInput(t *testing.T) {
	mol, params, err := PlainCodec{}.ParseInput([]byte(waterDeck))
	require.NoError(t, err)
	assert.Equal(t, []string{"O", "H", "H"}, mol.Names)
	assert.Len(t, mol.Coords, 9)
	assert.Equal(t, 1.8, mol.Coords[5])
	assert.Equal(t, Params{"basis": "sto-3g", "charge": "0"}, params)
}

func TestPlainCodecRoundTrip(t *testing.T) {
	mol, params, err := PlainCodec{}.ParseInput([]byte(waterDeck))
	require.NoError(t, err)

	deck, err := PlainCodec{}.WriteInput(mol, params)
	require.NoError(t, err)

	mol2, params2, err := PlainCodec{}.ParseInput(deck)
	require.NoError(t, err)
	assert.Equal(t, mol.Names, mol2.Names)
	assert.InDeltaSlice(t, mol.Coords, mol2.Coords, 1e-12)
	assert.Equal(t, params, params2)
}

func TestWriteInputIsDeterministic(t *testing.T) {
	mol := Molecule{Names: []string{"H"}, Coords: []float64{0, 0, 0}}
	params := Params{"b": "2", "a": "1", "c": "3"}
	first, err := PlainCodec{}.WriteInput(mol, params)
	require.NoError(t, err)
	for range 10 {
		again, err := PlainCodec{}.WriteInput(mol, params)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestParseInputRejectsMalformed(t *testing.T) {
	_, _, err := PlainCodec{}.ParseInput([]byte("O 1.0 2.0\n"))
	assert.Error(t, err)

	_, _, err = PlainCodec{}.ParseInput([]byte("set basis\n"))
	assert.Error(t, err)

	_, _, err = PlainCodec{}.ParseInput([]byte("# only a comment\n"))
	assert.Error(t, err)
}

func TestPlainCodecParseGradient(t *testing.T) {
	out := []byte(`job log noise
BEGIN GRADIENT
O  0.1 -0.2  0.3
H -0.1  0.2 -0.3
END GRADIENT
final energy: -74.96
`)
	grad, err := PlainCodec{}.ParseGradient(out)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, -0.2, 0.3, -0.1, 0.2, -0.3}, grad)
}

func TestParseGradientRequiresBlock(t *testing.T) {
	_, err := PlainCodec{}.ParseGradient([]byte("no markers here\n"))
	assert.Error(t, err)

	_, err = PlainCodec{}.ParseGradient([]byte("BEGIN GRADIENT\nEND GRADIENT\n"))
	assert.Error(t, err)
}

func TestPerturbCopies(t *testing.T) {
	mol := Molecule{Names: []string{"H", "H"}, Coords: []float64{0, 0, 0, 0, 0, 1.4}}
	shifted := mol.Perturb(5, 0.01)
	assert.Equal(t, 1.4, mol.Coords[5])
	assert.InDelta(t, 1.41, shifted.Coords[5], 1e-12)
}

func TestRegistry(t *testing.T) {
	c, err := Lookup("plain")
	require.NoError(t, err)
	assert.IsType(t, PlainCodec{}, c)

	_, err = Lookup("no-such-app")
	assert.Error(t, err)
}
