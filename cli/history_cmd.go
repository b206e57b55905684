package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tagsend/storage"
	"tagsend/ui"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var (
		filter     storage.DeliveryFilter
		pruneDays  int
		deliveryID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "show recorded delivery attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, true)
			if err != nil {
				return err
			}
			defer a.close()
			if a.store == nil {
				return errors.New("history is disabled in config")
			}

			out := cmd.OutOrStdout()
			if deliveryID != "" {
				delivery, err := a.store.GetDelivery(deliveryID)
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no delivery with id %s", deliveryID)
				}
				if err != nil {
					return err
				}
				ui.PrintDeliveries(out, []storage.Delivery{*delivery})
				return nil
			}
			if pruneDays > 0 {
				cutoff := time.Now().Add(-time.Duration(pruneDays) * 24 * time.Hour).UnixMilli()
				removed, err := a.store.PruneDeliveries(cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d deliveries older than %d days\n", removed, pruneDays)
			}

			deliveries, err := a.store.ListDeliveries(filter)
			if err != nil {
				return err
			}
			ui.PrintDeliveries(out, deliveries)

			counts, err := a.store.CountDeliveriesByStatus()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "sent %d, timed out %d, failed %d, rejected %d\n",
				counts[storage.DeliveryStatusSent],
				counts[storage.DeliveryStatusTimedOut],
				counts[storage.DeliveryStatusFailed],
				counts[storage.DeliveryStatusRejected])
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.PeerID, "peer", "", "only this tag")
	cmd.Flags().StringVar(&filter.Status, "status", "", "only sent, timed_out, failed or rejected")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "rows to show")
	cmd.Flags().StringVar(&deliveryID, "id", "", "show only the delivery with this ID")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 0, "first delete deliveries older than this many days")
	return cmd
}
