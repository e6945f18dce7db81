// services/artifact_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"treasure-hunt-system/game"
	"treasure-hunt-system/models"
	"treasure-hunt-system/realtime"
	"treasure-hunt-system/utils"
)

// ArtifactRefs are the references recorded on a finished hunt.
type ArtifactRefs struct {
	ImageURI    string
	MetadataURI string
}

// ArtifactGenerator produces the collectible for a finished hunt.
type ArtifactGenerator interface {
	Generate(ctx context.Context, hunt *models.Hunt) (*ArtifactRefs, error)
}

// NFTAttribute is one trait in the metadata document.
type NFTAttribute struct {
	TraitType string      `json:"trait_type"`
	Value     interface{} `json:"value"`
}

// NFTMetadata is the ERC-721 style metadata uploaded per hunt.
type NFTMetadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Attributes  []NFTAttribute `json:"attributes"`
}

// R2ArtifactGenerator uploads the metadata document to object storage. The
// image is the static artwork for the treasure kind under ImageBaseURL.
type R2ArtifactGenerator struct {
	Store        utils.ObjectStore
	ImageBaseURL string
}

var titleCaser = cases.Title(language.English)

// TreasureLabel renders a kind for people, e.g. "Epic Treasure".
func TreasureLabel(t game.TreasureType) string {
	return titleCaser.String(strings.ToLower(string(t))) + " Treasure"
}

// BuildMetadata assembles the metadata for a terminal hunt.
func BuildMetadata(h *models.Hunt, imageURI string) NFTMetadata {
	result := "Lost"
	if h.State == models.HuntWon {
		result = "Found"
	}
	participants := make(map[string]struct{})
	for _, m := range h.Moves {
		participants[m.UserID] = struct{}{}
	}

	return NFTMetadata{
		Name:        fmt.Sprintf("%s: %s", h.Name, TreasureLabel(h.TreasureType)),
		Description: fmt.Sprintf("A %s hidden at (%d, %d). Treasure %s after %d of %d moves.", TreasureLabel(h.TreasureType), h.TreasureX, h.TreasureY, strings.ToLower(result), len(h.Moves), h.MaxMoves),
		Image:       imageURI,
		Attributes: []NFTAttribute{
			{TraitType: "Treasure", Value: titleCaser.String(strings.ToLower(string(h.TreasureType)))},
			{TraitType: "Result", Value: result},
			{TraitType: "Moves", Value: len(h.Moves)},
			{TraitType: "Move Budget", Value: h.MaxMoves},
			{TraitType: "Players", Value: len(participants)},
			{TraitType: "Treasure X", Value: h.TreasureX},
			{TraitType: "Treasure Y", Value: h.TreasureY},
		},
	}
}

func (g *R2ArtifactGenerator) Generate(ctx context.Context, h *models.Hunt) (*ArtifactRefs, error) {
	imageURI := fmt.Sprintf("%s/%s.png", strings.TrimRight(g.ImageBaseURL, "/"), strings.ToLower(string(h.TreasureType)))

	body, err := json.MarshalIndent(BuildMetadata(h, imageURI), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	key := fmt.Sprintf("hunts/%s/metadata.json", h.ID)
	metadataURI, err := g.Store.PutObject(ctx, key, body, "application/json")
	if err != nil {
		return nil, err
	}
	return &ArtifactRefs{ImageURI: imageURI, MetadataURI: metadataURI}, nil
}

// ArtifactService records artifacts for finished hunts. Failures are only
// logged; RetryMissing picks them up later.
type ArtifactService struct {
	DB        *gorm.DB
	Generator ArtifactGenerator
	Broker    realtime.Broker
	Clock     clockwork.Clock
	Grid      game.Grid
}

// Ensure generates artifacts for huntID unless it already has them. It
// reports whether new references were stored.
func (s *ArtifactService) Ensure(ctx context.Context, huntID string) (bool, error) {
	if s == nil || s.Generator == nil {
		return false, nil
	}

	hunt, err := loadHuntAggregate(s.DB.WithContext(ctx), huntID)
	if err != nil {
		return false, err
	}
	if !hunt.State.IsTerminal() || hunt.HasArtifacts() {
		return false, nil
	}

	refs, err := s.Generator.Generate(ctx, hunt)
	if err != nil {
		return false, fmt.Errorf("artifact generation for hunt %s failed: %w", huntID, err)
	}

	res := s.DB.WithContext(ctx).Model(&models.Hunt{}).
		Where("id = ? AND nft_metadata_uri IS NULL", huntID).
		Updates(map[string]interface{}{
			"nft_image_uri":    refs.ImageURI,
			"nft_metadata_uri": refs.MetadataURI,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to record artifacts for hunt %s: %w", huntID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	log.Printf("🖼️ [ARTIFACT] Hunt %s metadata at %s", huntID, refs.MetadataURI)

	if updated, err := loadHuntAggregate(s.DB.WithContext(ctx), huntID); err == nil {
		realtime.Notify(ctx, s.Broker, realtime.HuntTopic(huntID),
			realtime.HuntUpdate(models.NewHuntView(updated, s.Grid.Start, s.Clock.Now())))
	}
	return true, nil
}

// RetryMissing runs Ensure for every terminal hunt without artifacts.
func (s *ArtifactService) RetryMissing(ctx context.Context) int {
	if s == nil || s.Generator == nil {
		return 0
	}
	var ids []string
	if err := s.DB.WithContext(ctx).Model(&models.Hunt{}).
		Where("state IN ? AND nft_metadata_uri IS NULL", []models.HuntState{models.HuntWon, models.HuntLost}).
		Pluck("id", &ids).Error; err != nil {
		log.Printf("[ARTIFACT] Failed to list hunts missing artifacts: %v", err)
		return 0
	}

	done := 0
	for _, id := range ids {
		ok, err := s.Ensure(ctx, id)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("⚠️ [ARTIFACT] %v", err)
			continue
		}
		if ok {
			done++
		}
	}
	return done
}
