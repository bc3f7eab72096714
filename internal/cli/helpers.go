package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manifoldco/promptui"

	"github.com/openresearch/studykit/internal/logger"
	"github.com/openresearch/studykit/internal/store"
	"github.com/openresearch/studykit/internal/study"
	"github.com/openresearch/studykit/internal/upload"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// session holds every configured study over one open database.
type session struct {
	log     *logger.Logger
	studies []*study.Study
}

// withStudies loads the study file, opens every study and runs fn. Uploads
// started by fn are awaited before the database is closed.
func withStudies(ctx context.Context, fn func(*session) error) error {
	file, err := loadStudyFile(configPath)
	if err != nil {
		return err
	}
	cfgs, err := file.configs()
	if err != nil {
		return err
	}

	log, err := logger.New(logMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	client, err := upload.NewHTTPClient(file.transportOptions())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return withStore(func(st *store.SQLiteStore) error {
		defaults := store.NewDefaults(st)
		sess := &session{log: log}
		defer func() {
			for _, s := range sess.studies {
				s.Wait()
			}
		}()

		for _, cfg := range cfgs {
			studyLog := log.With("study", cfg.StudyID)
			cfg.OnIntroSurveyCompleted = func(params map[string]string) {
				studyLog.Info("introductory survey completed", "parameters", len(params))
			}
			cfg.OnUploadFinished = func(res *upload.Result, err error) {
				if err != nil {
					studyLog.Warn("upload finished with error", "error", err)
					return
				}
				studyLog.Info("upload finished", "path", res.Path)
			}

			s, err := study.New(ctx, cfg, defaults,
				study.WithLogger(studyLog),
				study.WithHTTPClient(client),
				study.WithDataDir(filepath.Clean(dataDir)),
			)
			if err != nil {
				return err
			}
			sess.studies = append(sess.studies, s)
		}

		return fn(sess)
	})
}

// pick returns the study with the given ID. Without an ID the only study is
// used, or the user chooses one when several are configured.
func (s *session) pick(id string) (*study.Study, error) {
	if id != "" {
		for _, st := range s.studies {
			if st.ID() == id {
				return st, nil
			}
		}
		return nil, fmt.Errorf("study '%s' not found in %s", id, configPath)
	}
	if len(s.studies) == 1 {
		return s.studies[0], nil
	}

	labels := make([]string, len(s.studies))
	for i, st := range s.studies {
		labels[i] = fmt.Sprintf("%s (%s)", st.Config().Title, st.ID())
	}
	prompt := promptui.Select{
		Label: "Study",
		Items: labels,
		Size:  len(labels),
	}
	idx, _, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return nil, err
	}
	return s.studies[idx], nil
}

// confirm asks a yes/no question unless assumeYes is set.
func confirm(label string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if err == promptui.ErrAbort {
			return false, nil
		}
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return false, err
	}
	return true, nil
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
