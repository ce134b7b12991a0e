package backends

import (
	"bufio"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/kelen-ai/nllbserve/util/fileutil"
)

const unkPiece = "<unk>"

// Vocabulary maps subword pieces to the token ids the translation model was
// exported with. Converted NLLB checkpoints ship the table either as
// shared_vocabulary.txt (one piece per line, line number = id) or as a
// vocab.json object of piece -> id.
type Vocabulary struct {
	idToPiece []string
	pieceToID map[string]int64
	unkID     int64
}

func NewVocabulary(pieces []string) *Vocabulary {
	v := &Vocabulary{
		idToPiece: pieces,
		pieceToID: make(map[string]int64, len(pieces)),
	}
	for i, piece := range pieces {
		v.pieceToID[piece] = int64(i)
	}
	if id, ok := v.pieceToID[unkPiece]; ok {
		v.unkID = id
	}
	return v
}

// LoadVocabulary reads the vocabulary table from the checkpoint directory.
func LoadVocabulary(modelPath string) (*Vocabulary, error) {
	txtPath := fileutil.PathJoinSafe(modelPath, "shared_vocabulary.txt")
	if exists, err := fileutil.FileExists(txtPath); err != nil {
		return nil, fmt.Errorf("checking for shared_vocabulary.txt: %w", err)
	} else if exists {
		return loadVocabularyText(txtPath)
	}

	jsonPath := fileutil.PathJoinSafe(modelPath, "vocab.json")
	if exists, err := fileutil.FileExists(jsonPath); err != nil {
		return nil, fmt.Errorf("checking for vocab.json: %w", err)
	} else if exists {
		return loadVocabularyJSON(jsonPath)
	}

	return nil, fmt.Errorf("no vocabulary file found in %s", modelPath)
}

func loadVocabularyText(path string) (*Vocabulary, error) {
	file, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var pieces []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		pieces = append(pieces, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vocabulary %s: %w", path, err)
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}
	return NewVocabulary(pieces), nil
}

func loadVocabularyJSON(path string) (*Vocabulary, error) {
	vocabBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}

	pieceIDs := map[string]int64{}
	if err := jsoniter.Unmarshal(vocabBytes, &pieceIDs); err != nil {
		return nil, fmt.Errorf("parsing vocabulary %s: %w", path, err)
	}
	if len(pieceIDs) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}

	maxID := int64(0)
	for _, id := range pieceIDs {
		if id > maxID {
			maxID = id
		}
	}
	pieces := make([]string, maxID+1)
	for piece, id := range pieceIDs {
		pieces[id] = piece
	}
	return NewVocabulary(pieces), nil
}

// ID returns the token id for a piece, or the unknown-token id when the piece
// is not in the table.
func (v *Vocabulary) ID(piece string) int64 {
	if id, ok := v.pieceToID[piece]; ok {
		return id
	}
	return v.unkID
}

func (v *Vocabulary) Has(piece string) bool {
	_, ok := v.pieceToID[piece]
	return ok
}

// Piece returns the piece for a token id.
func (v *Vocabulary) Piece(id int64) (string, bool) {
	if id < 0 || id >= int64(len(v.idToPiece)) {
		return "", false
	}
	return v.idToPiece[id], true
}

func (v *Vocabulary) Size() int {
	return len(v.idToPiece)
}

// IDs converts a framed piece sequence to token ids.
func (v *Vocabulary) IDs(pieces []string) []int64 {
	ids := make([]int64, len(pieces))
	for i, piece := range pieces {
		ids[i] = v.ID(piece)
	}
	return ids
}

// Pieces converts decoded token ids back to pieces. Unknown ids are skipped.
func (v *Vocabulary) Pieces(ids []int64) []string {
	pieces := make([]string, 0, len(ids))
	for _, id := range ids {
		if piece, ok := v.Piece(id); ok {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

// LanguageTags returns the pieces that look like NLLB language codes, sorted.
// Used for model metadata.
func (v *Vocabulary) LanguageTags() []string {
	var tags []string
	for piece := range v.pieceToID {
		if isLanguageTag(piece) {
			tags = append(tags, piece)
		}
	}
	sort.Strings(tags)
	return tags
}

// isLanguageTag reports whether a piece has the xxx_Yyyy shape of NLLB
// language codes, e.g. dyu_Latn or fra_Latn.
func isLanguageTag(piece string) bool {
	if len(piece) != 8 || piece[3] != '_' {
		return false
	}
	for i := 0; i < 3; i++ {
		if piece[i] < 'a' || piece[i] > 'z' {
			return false
		}
	}
	if piece[4] < 'A' || piece[4] > 'Z' {
		return false
	}
	for i := 5; i < 8; i++ {
		if piece[i] < 'a' || piece[i] > 'z' {
			return false
		}
	}
	return true
}
