package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/server"
)

// Handler runs operator commands against the fulfillment services and
// prints results to out.
type Handler struct {
	svc server.Services
	out io.Writer
}

func New(svc server.Services, out io.Writer) *Handler {
	return &Handler{svc: svc, out: out}
}

var errUsage = errors.New("usage")

func (h *Handler) Execute(ctx context.Context, cmd string, args []string) error {
	commands := map[string]func(context.Context, []string) error{
		"help":             h.printHelp,
		"foods":            h.handleFoods,
		"food":             h.handleFood,
		"generate-batches": h.handleGenerate,
		"batches":          h.handleBatches,
		"batch":            h.handleBatch,
		"dissolve":         h.handleDissolve,
		"volunteers":       h.handleVolunteers,
		"sweep-expired":    h.handleSweep,
	}

	fn, ok := commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q, run 'help'", cmd)
	}
	return fn(ctx, args)
}

func (h *Handler) printHelp(context.Context, []string) error {
	fmt.Fprintln(h.out, `Commands:
  help
    - print this help
  foods <campaignID> [status] [limit=20] [offset=0]
    - list campaign food items
  food <foodID>
    - show one food item
  generate-batches <campaignID>
    - group unbatched pending items into batches
  batches <campaignID>
    - list campaign batches with derived status
  batch <batchID>
    - show a batch and its items
  dissolve <batchID>
    - release the items of an unassigned batch
  volunteers <campaignID> [food|batch <id>]
    - volunteers able to carry the item or batch
  sweep-expired [limit=100]
    - expire overdue assignment requests`)
	return nil
}

func (h *Handler) handleFoods(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: foods <campaignID> [status] [limit] [offset]", errUsage)
	}
	var filter models.FoodFilter
	if len(args) >= 2 && args[1] != "-" {
		st, err := models.ParseFoodStatus(args[1])
		if err != nil {
			return err
		}
		filter.Status = &st
	}
	if len(args) >= 3 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad limit: %w", err)
		}
		filter.Limit = n
	}
	if len(args) >= 4 {
		n, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("bad offset: %w", err)
		}
		filter.Offset = n
	}
	foods, err := h.svc.Coordinator.ListFoods(ctx, args[0], filter)
	if err != nil {
		return err
	}
	if len(foods) == 0 {
		fmt.Fprintf(h.out, "Campaign %s has no matching items\n", args[0])
		return nil
	}
	for _, f := range foods {
		h.printFood(f)
	}
	return nil
}

func (h *Handler) handleFood(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: food <foodID>", errUsage)
	}
	f, err := h.svc.Coordinator.GetFood(ctx, args[0])
	if err != nil {
		return err
	}
	h.printFood(f)
	return nil
}

func (h *Handler) handleGenerate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: generate-batches <campaignID>", errUsage)
	}
	batches, err := h.svc.Batching.GenerateBatches(ctx, args[0])
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(h.out, "No eligible items")
		return nil
	}
	fmt.Fprintf(h.out, "Created %d batch(es):\n", len(batches))
	for _, b := range batches {
		h.printBatch(b)
	}
	return nil
}

func (h *Handler) handleBatches(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: batches <campaignID>", errUsage)
	}
	batches, err := h.svc.Batches.List(ctx, args[0])
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintf(h.out, "Campaign %s has no batches\n", args[0])
		return nil
	}
	for _, b := range batches {
		h.printBatch(b)
	}
	return nil
}

func (h *Handler) handleBatch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: batch <batchID>", errUsage)
	}
	b, items, err := h.svc.Batches.Get(ctx, args[0])
	if err != nil {
		return err
	}
	h.printBatch(b)
	for _, f := range items {
		fmt.Fprint(h.out, "    ")
		h.printFood(f)
	}
	return nil
}

func (h *Handler) handleDissolve(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: dissolve <batchID>", errUsage)
	}
	if err := h.svc.Batching.DissolveBatch(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Batch %s dissolved\n", args[0])
	return nil
}

func (h *Handler) handleVolunteers(ctx context.Context, args []string) error {
	var foodID, batchID string
	switch {
	case len(args) == 1:
	case len(args) == 3 && args[1] == "food":
		foodID = args[2]
	case len(args) == 3 && args[1] == "batch":
		batchID = args[2]
	default:
		return fmt.Errorf("%w: volunteers <campaignID> [food|batch <id>]", errUsage)
	}
	vs, err := h.svc.Coordinator.ListAvailableVolunteers(ctx, args[0], foodID, batchID)
	if err != nil {
		return err
	}
	if len(vs) == 0 {
		fmt.Fprintln(h.out, "No volunteers available")
		return nil
	}
	for _, v := range vs {
		fmt.Fprintf(h.out, "  ID=%s, Name=%s, Capacity=%s\n", v.ID, v.Name, v.TransportCapacity)
	}
	return nil
}

func (h *Handler) handleSweep(ctx context.Context, args []string) error {
	limit := 100
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad limit: %w", err)
		}
		limit = n
	}
	n, err := h.svc.Assignments.SweepExpired(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(h.out, "Expired %d request(s)\n", n)
	return nil
}

func (h *Handler) printFood(f *models.FoodItem) {
	fmt.Fprintf(h.out, "  ID=%s, Name=%s, Size=%s, Status=%s", f.ID, f.Name, f.Size, f.Status)
	if f.AssignedVolunteerID != "" {
		fmt.Fprintf(h.out, ", Volunteer=%s", f.AssignedVolunteerID)
	}
	if f.BatchID != "" {
		fmt.Fprintf(h.out, ", Batch=%s", f.BatchID)
	}
	fmt.Fprintf(h.out, ", Updated=%s\n", f.UpdatedAt.Format(time.RFC3339))
}

func (h *Handler) printBatch(b *models.Batch) {
	fmt.Fprintf(h.out, "  Batch=%s, Items=%d, Capacity=%s, Status=%s", b.ID, len(b.ItemIDs), b.RequiredCapacity, b.Status)
	if b.AssignedVolunteerID != "" {
		fmt.Fprintf(h.out, ", Volunteer=%s", b.AssignedVolunteerID)
	}
	fmt.Fprintln(h.out)
}
