package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/taskdock/taskdock/internal/model"
)

var (
	createProject string
	createSection string
	createNotes   string
	createStatus  string
	createDue     string
	createType    string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a task, project, or section",
	Long: `Create an entity. Online, it is pushed to the remote store right away;
offline, it is stored locally with a temporary id and queued for sync.

The --due flag accepts natural language, e.g. "tomorrow 5pm" or "next friday".`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		typ, err := parseEntityType(createType)
		if err != nil {
			fatal(err)
		}

		e := model.Entity{
			Type:      typ,
			Name:      args[0],
			Status:    createStatus,
			Notes:     createNotes,
			ProjectID: createProject,
			SectionID: createSection,
		}
		if createDue != "" {
			due, err := parseDue(createDue)
			if err != nil {
				fatal(err)
			}
			e.DueAt = due
		}

		created, err := a.cache.CreateEntity(context.Background(), &e)
		if err != nil {
			fatal(err)
		}
		printEntity(&created)
	},
}

var (
	updateName    string
	updateStatus  string
	updateNotes   string
	updateProject string
	updateSection string
	updateDue     string
	updateType    string
)

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update an entity's fields",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		typ, err := parseEntityType(updateType)
		if err != nil {
			fatal(err)
		}

		entities := a.cache.Entities(typ)
		var cur *model.Entity
		for i := range entities {
			if entities[i].ID == args[0] {
				cur = &entities[i]
				break
			}
		}
		if cur == nil {
			fatal(fmt.Errorf("no %s with id %s", typ, args[0]))
		}

		if cmd.Flags().Changed("name") {
			cur.Name = updateName
		}
		if cmd.Flags().Changed("status") {
			cur.Status = updateStatus
		}
		if cmd.Flags().Changed("notes") {
			cur.Notes = updateNotes
		}
		if cmd.Flags().Changed("project") {
			cur.ProjectID = updateProject
		}
		if cmd.Flags().Changed("section") {
			cur.SectionID = updateSection
		}
		if cmd.Flags().Changed("due") {
			if updateDue == "" {
				cur.DueAt = nil
			} else {
				due, err := parseDue(updateDue)
				if err != nil {
					fatal(err)
				}
				cur.DueAt = due
			}
		}

		updated, err := a.cache.UpdateEntity(context.Background(), cur)
		if err != nil {
			fatal(err)
		}
		printEntity(&updated)
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		entities := a.cache.Entities(model.EntityTask)
		for i := range entities {
			if entities[i].ID == args[0] {
				entities[i].Status = "Done"
				updated, err := a.cache.UpdateEntity(context.Background(), &entities[i])
				if err != nil {
					fatal(err)
				}
				printEntity(&updated)
				return
			}
		}
		fatal(fmt.Errorf("no task with id %s", args[0]))
	},
}

var deleteType string

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entity",
	Long: `Delete an entity. A never-synced entity is removed locally without any
remote call; a synced one is deleted remotely, or queued for deletion when
offline.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		typ, err := parseEntityType(deleteType)
		if err != nil {
			fatal(err)
		}
		if err := a.cache.DeleteEntity(context.Background(), typ, args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Deleted %s %s\n", typ, args[0])
	},
}

var listType string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities from the local cache",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		typ, err := parseEntityType(listType)
		if err != nil {
			fatal(err)
		}
		entities := a.cache.Entities(typ)
		if len(entities) == 0 {
			fmt.Printf("No %ss\n", typ)
			return
		}
		for i := range entities {
			printEntity(&entities[i])
		}
	},
}

func init() {
	createCmd.Flags().StringVar(&createType, "type", "task", "entity type (task, project, section)")
	createCmd.Flags().StringVar(&createProject, "project", "", "parent project id")
	createCmd.Flags().StringVar(&createSection, "section", "", "parent section id")
	createCmd.Flags().StringVar(&createNotes, "notes", "", "notes")
	createCmd.Flags().StringVar(&createStatus, "status", "Todo", "status")
	createCmd.Flags().StringVar(&createDue, "due", "", "due date (natural language)")

	updateCmd.Flags().StringVar(&updateType, "type", "task", "entity type")
	updateCmd.Flags().StringVar(&updateName, "name", "", "new name")
	updateCmd.Flags().StringVar(&updateStatus, "status", "", "new status")
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "new notes")
	updateCmd.Flags().StringVar(&updateProject, "project", "", "new project id")
	updateCmd.Flags().StringVar(&updateSection, "section", "", "new section id")
	updateCmd.Flags().StringVar(&updateDue, "due", "", "new due date (natural language, empty clears)")

	deleteCmd.Flags().StringVar(&deleteType, "type", "task", "entity type")
	listCmd.Flags().StringVar(&listType, "type", "task", "entity type")
}

func parseEntityType(s string) (model.EntityType, error) {
	typ := model.EntityType(s)
	if !typ.Valid() {
		return "", fmt.Errorf("unknown entity type %q (task, project, section)", s)
	}
	return typ, nil
}

// parseDue turns natural language into a due time.
func parseDue(s string) (*time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("could not understand due date %q", s)
	}
	return &r.Time, nil
}

func printEntity(e *model.Entity) {
	badge := ""
	switch e.SyncStatus {
	case model.StatusPending:
		badge = " [pending]"
	case model.StatusError:
		badge = " [sync error]"
	}
	due := ""
	if e.DueAt != nil {
		due = "  due " + e.DueAt.Local().Format("2006-01-02 15:04")
	}
	fmt.Fprintf(os.Stdout, "%-20s  %-10s  %s%s%s\n", e.ID, e.Status, e.Name, due, badge)
}
