package queue

import (
	"context"
	"fmt"
	"io"
	"strings"

	"qline/internal/identity"
	"qline/internal/media"
	"qline/internal/models"
	"qline/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const actionOpenShop = "open_shop"

type NewShop struct {
	Name              string
	Category          string
	Location          string
	Description       string
	AvgServiceMinutes int
	// Image is optional.
	Image io.Reader
}

// ShopListing is a directory entry with the wait a new customer would face.
type ShopListing struct {
	models.Shop
	EstWaitMinutes int `json:"est_wait_minutes"`
}

// OpenShop registers the caller's shop. Each business owner has at most one.
func (s *Service) OpenShop(ctx context.Context, session identity.Session, input NewShop) (shop models.Shop, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.OpenShop", trace.WithAttributes(attribute.String("owner_id", session.UserID)))
	defer func() { s.finish(span, actionOpenShop, err) }()

	if !session.Authenticated() {
		return models.Shop{}, ErrUnauthenticated
	}
	if session.Role != identity.RoleBusiness {
		return models.Shop{}, fmt.Errorf("%w: only business accounts can open a shop", ErrForbidden)
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Category = strings.TrimSpace(input.Category)
	input.Location = strings.TrimSpace(input.Location)
	input.Description = strings.TrimSpace(input.Description)
	if input.Name == "" {
		return models.Shop{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if input.Category == "" {
		input.Category = models.CategoryOther
	}
	category, ok := models.CanonicalCategory(input.Category)
	if !ok {
		return models.Shop{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, input.Category)
	}
	input.Category = category
	if input.AvgServiceMinutes < 0 {
		return models.Shop{}, fmt.Errorf("%w: avg_service_minutes must not be negative", ErrInvalidInput)
	}
	if input.AvgServiceMinutes == 0 {
		input.AvgServiceMinutes = s.serviceMinutes
	}

	if _, err := s.store.GetShopByOwner(ctx, session.UserID); err == nil {
		return models.Shop{}, store.ErrShopExists
	} else if KindOf(err) != KindNotFound {
		return models.Shop{}, err
	}

	var imageURL string
	if input.Image != nil {
		imageURL, err = s.uploadImage(ctx, session.UserID, input.Image)
		if err != nil {
			return models.Shop{}, err
		}
	}

	return s.store.CreateShop(ctx, store.CreateShopInput{
		OwnerID:           session.UserID,
		Name:              input.Name,
		Category:          input.Category,
		Location:          input.Location,
		Description:       input.Description,
		ImageURL:          imageURL,
		AvgServiceMinutes: input.AvgServiceMinutes,
		CreatedAt:         s.now(),
	})
}

func (s *Service) uploadImage(ctx context.Context, ownerID string, body io.Reader) (string, error) {
	if s.media == nil {
		return "", fmt.Errorf("%w: image uploads are disabled", ErrInvalidInput)
	}
	contentType, body, err := media.Sniff(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	url, err := s.media.Put(ctx, media.ObjectKey(ownerID, contentType, s.now()), contentType, body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return url, nil
}

func (s *Service) ListShops(ctx context.Context, filter store.ShopFilter) ([]ShopListing, error) {
	filter.Category = strings.TrimSpace(filter.Category)
	filter.Query = strings.TrimSpace(filter.Query)
	if filter.Category != "" {
		category, ok := models.CanonicalCategory(filter.Category)
		if !ok {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, filter.Category)
		}
		filter.Category = category
	}
	shops, err := s.store.ListShops(ctx, filter)
	if err != nil {
		return nil, err
	}
	listings := make([]ShopListing, 0, len(shops))
	for _, shop := range shops {
		listings = append(listings, listing(shop))
	}
	return listings, nil
}

func (s *Service) GetShop(ctx context.Context, shopID string) (ShopListing, error) {
	shop, err := s.store.GetShop(ctx, shopID)
	if err != nil {
		return ShopListing{}, err
	}
	return listing(shop), nil
}

func (s *Service) MyShop(ctx context.Context, session identity.Session) (ShopListing, error) {
	if !session.Authenticated() {
		return ShopListing{}, ErrUnauthenticated
	}
	shop, err := s.store.GetShopByOwner(ctx, session.UserID)
	if err != nil {
		return ShopListing{}, err
	}
	return listing(shop), nil
}

// RequireOwner returns the shop when the caller owns it.
func (s *Service) RequireOwner(ctx context.Context, session identity.Session, shopID string) (models.Shop, error) {
	return s.requireOwner(ctx, session, shopID)
}

func listing(shop models.Shop) ShopListing {
	return ShopListing{Shop: shop, EstWaitMinutes: shop.Waiting * shop.ServiceMinutes()}
}
