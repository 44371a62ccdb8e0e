package stimuli

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/containerd/errdefs"
)

// FallbackImage is used when no asset matches a visual learning item.
const FallbackImage = "undefined_fallback.jpg"

// ErrInsufficientPool is returned when a pool cannot supply the requested counts.
var ErrInsufficientPool = fmt.Errorf("insufficient stimulus pool: %w", errdefs.ErrInvalidArgument)

// Params sizes one generated session.
type Params struct {
	ItemCountLearning int
	TestOldCount      int
	TestNewCount      int
	Lang              domain.Language
	ParticipantNumber int
}

// Result holds the generated learning and test sequences.
type Result struct {
	Learning []domain.TrialItem
	Test     []domain.TrialItem
}

// AssignCondition returns the framing for an item. The assignment depends
// only on the participant number and the item id.
func AssignCondition(participantNumber, itemID int) domain.Condition {
	if (participantNumber+itemID)%2 == 0 {
		return domain.ConditionDirect
	}
	return domain.ConditionIndirect
}

// Generator binds catalog items to new sessions.
type Generator struct {
	catalog *Catalog
	logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator drawing from catalog. A nil rng seeds one
// from the runtime source.
func NewGenerator(catalog *Catalog, rng *rand.Rand, logger *slog.Logger) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{catalog: catalog, rng: rng, logger: logger}
}

// Generate draws the learning and test sequences for expType.
func (g *Generator) Generate(expType domain.ExperimentType, p Params) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pools, err := g.catalog.Pools(expType)
	if err != nil {
		return Result{}, err
	}
	if pools.Visual != nil {
		return Visual(g.rng, pools.Visual.Study, pools.Visual.Foil, pools.Visual.Assets, p, g.logger)
	}
	return Linguistic(g.rng, pools.Linguistic.Study, pools.Linguistic.Foil, p)
}

// Distractors draws count parity trials.
func (g *Generator) Distractors(count, lo, hi int, keys [2]string) []domain.DistractorTrial {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Distractors(g.rng, count, lo, hi, keys)
}

func checkSupply(studyLen, foilLen int, p Params) error {
	switch {
	case p.ItemCountLearning <= 0:
		return fmt.Errorf("item count for learning must be > 0: %w", errdefs.ErrInvalidArgument)
	case studyLen < p.ItemCountLearning:
		return fmt.Errorf("study pool has %d items, need %d: %w", studyLen, p.ItemCountLearning, ErrInsufficientPool)
	case p.TestOldCount > p.ItemCountLearning:
		return fmt.Errorf("test old count %d exceeds learning count %d: %w", p.TestOldCount, p.ItemCountLearning, ErrInsufficientPool)
	case foilLen < p.TestNewCount:
		return fmt.Errorf("foil pool has %d items, need %d: %w", foilLen, p.TestNewCount, ErrInsufficientPool)
	}
	return nil
}

// Linguistic generates a sentence-completion session.
func Linguistic(rng *rand.Rand, study, foil []domain.LinguisticItem, p Params) (Result, error) {
	if err := checkSupply(len(study), len(foil), p); err != nil {
		return Result{}, err
	}

	picked := sample(rng, study, p.ItemCountLearning)
	learning := make([]domain.TrialItem, 0, len(picked))
	for _, it := range picked {
		item := linguisticItem(it, p.Lang)
		item.ItemType = domain.ItemOld
		item.Condition = AssignCondition(p.ParticipantNumber, it.ID)
		item.ShownVersion = item.Option(string(item.Condition))
		learning = append(learning, item)
	}

	test := sample(rng, learning, p.TestOldCount)
	for _, it := range sample(rng, foil, p.TestNewCount) {
		item := linguisticItem(it, p.Lang)
		item.ItemType = domain.ItemNew
		item.Condition = domain.ConditionNewItem
		test = append(test, item)
	}
	shuffle(rng, test)

	return Result{Learning: learning, Test: test}, nil
}

func linguisticItem(it domain.LinguisticItem, lang domain.Language) domain.TrialItem {
	return domain.TrialItem{
		ID:             it.ID,
		Sentence:       it.Stem.In(lang),
		OptionDirect:   it.Direct.In(lang),
		OptionIndirect: it.Indirect.In(lang),
	}
}

// Visual generates a photo recognition session. Learning items whose image
// is missing from assets get FallbackImage.
func Visual(rng *rand.Rand, study, foil []domain.VisualItem, assets []string, p Params, logger *slog.Logger) (Result, error) {
	if err := checkSupply(len(study), len(foil), p); err != nil {
		return Result{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	picked := sample(rng, study, p.ItemCountLearning)
	learning := make([]domain.TrialItem, 0, len(picked))
	for _, it := range picked {
		item := visualItem(it, p.Lang)
		item.ItemType = domain.ItemOld
		item.Condition = AssignCondition(p.ParticipantNumber, it.ID)

		path, err := findImage(assets, it, item.Condition)
		if err != nil {
			logger.Warn("no image for visual item, using fallback",
				"item_id", it.ID, "action_key", it.ActionKey, "condition", item.Condition, "error", err)
			path = FallbackImage
		}
		item.ImagePath = path
		learning = append(learning, item)
	}

	test := sample(rng, learning, p.TestOldCount)
	for _, it := range sample(rng, foil, p.TestNewCount) {
		item := visualItem(it, p.Lang)
		item.ItemType = domain.ItemNew
		item.Condition = domain.ConditionNewItem
		test = append(test, item)
	}
	shuffle(rng, test)

	return Result{Learning: learning, Test: test}, nil
}

func visualItem(it domain.VisualItem, lang domain.Language) domain.TrialItem {
	return domain.TrialItem{
		ID:        it.ID,
		Sentence:  it.Sentence.In(lang),
		ActionKey: it.ActionKey,
		Gender:    it.Gender,
	}
}

var errImageNotFound = errors.New("image not found")

// ImageName is the file name pattern of a visual asset.
func ImageName(id int, actionKey string, cond domain.Condition, gender domain.Gender) string {
	return fmt.Sprintf("%02d_%s_%s_%s.jpg", id, actionKey, cond, gender)
}

func findImage(assets []string, it domain.VisualItem, cond domain.Condition) (string, error) {
	want := strings.ToLower(ImageName(it.ID, it.ActionKey, cond, it.Gender))
	for _, path := range assets {
		if strings.Contains(strings.ToLower(path), want) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s: %w", want, errImageNotFound)
}

// Distractors draws count numbers in [lo, hi]. Even numbers expect keys[0],
// odd numbers keys[1].
func Distractors(rng *rand.Rand, count, lo, hi int, keys [2]string) []domain.DistractorTrial {
	trials := make([]domain.DistractorTrial, 0, count)
	for range count {
		n := lo + rng.IntN(hi-lo+1)
		key := keys[1]
		if n%2 == 0 {
			key = keys[0]
		}
		trials = append(trials, domain.DistractorTrial{Number: n, CorrectKey: key})
	}
	return trials
}

// sample returns n elements of a shuffled copy of items.
func sample[T any](rng *rand.Rand, items []T, n int) []T {
	out := make([]T, len(items))
	copy(out, items)
	shuffle(rng, out)
	if n > len(out) {
		n = len(out)
	}
	return out[:n:n]
}

func shuffle[T any](rng *rand.Rand, items []T) {
	rng.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
}
