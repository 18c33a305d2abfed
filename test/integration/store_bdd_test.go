//go:build integration

package integration

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/config"
	"github.com/remapd/remapd/internal/domain"
)

var _ = Describe("Config Store", func() {
	var (
		tmpDir string
		store  *config.Store
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "remapd-store-*")
		Expect(err).NotTo(HaveOccurred())
		store = config.NewStore(filepath.Join(tmpDir, "mappings.kbd"), filepath.Join(tmpDir, "backups"), zap.NewNop())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("Save and Load", func() {
		It("should round-trip mappings through generated config text", func() {
			text := config.GenerateText([]domain.KeyMapping{
				{ID: "m1", Input: "caps", Output: "esc"},
				{ID: "m2", Input: "grv", Output: "f13"},
			})
			snapshot := &domain.ConfigurationSnapshot{
				GeneratedText: text,
				Validation:    config.Validate(text),
				Source:        domain.SourceUser,
			}
			Expect(store.Save(snapshot)).To(Succeed())

			loaded, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Mappings).To(HaveLen(2))
			Expect(loaded.Mappings[0].Input).To(Equal("caps"))
			Expect(loaded.Mappings[1].Output).To(Equal("f13"))
			Expect(loaded.Validation.IsValid).To(BeTrue())
		})

		It("should refuse to persist config with blocking errors", func() {
			bad := "(defcfg\n  process-unmapped-keys no\n)\n"
			snapshot := &domain.ConfigurationSnapshot{
				GeneratedText: bad,
				Validation:    config.Validate(bad),
			}

			err := store.Save(snapshot)
			var invalid *domain.InvalidConfigurationError
			Expect(err).To(HaveOccurred())
			Expect(errors.As(err, &invalid)).To(BeTrue())

			_, err = store.Load()
			Expect(err).To(MatchError(domain.ErrConfigNotFound))
		})
	})
})
