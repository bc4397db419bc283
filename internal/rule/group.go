package rule

// Find returns the rule with the given id and its index, or ok=false.
func Find(rules []Rule, id string) (Rule, int, bool) {
	for i, r := range rules {
		if r.ID == id {
			return r, i, true
		}
	}
	return Rule{}, -1, false
}

// GroupOwners maps each group id to the id of its first-indexed member.
// Only the owner registers the group's timer.
func GroupOwners(rules []Rule) map[string]string {
	owners := map[string]string{}
	for _, r := range rules {
		if r.GroupID == "" {
			continue
		}
		if _, ok := owners[r.GroupID]; !ok {
			owners[r.GroupID] = r.ID
		}
	}
	return owners
}

// Members returns the rules of a group in list order.
func Members(rules []Rule, groupID string) []Rule {
	if groupID == "" {
		return nil
	}
	var out []Rule
	for _, r := range rules {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	return out
}

// Unit is a schedulable unit: a single ungrouped rule, or every member of a group.
// Owner is the rule whose id keys the timer and whose schedule fields drive it.
type Unit struct {
	Owner   Rule
	Members []Rule
}

func (u Unit) IDs() []string {
	ids := make([]string, 0, len(u.Members))
	for _, m := range u.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// Units partitions rules into schedulable units, preserving first-seen order.
func Units(rules []Rule) []Unit {
	var out []Unit
	groupIdx := map[string]int{}
	for _, r := range rules {
		if r.GroupID == "" {
			out = append(out, Unit{Owner: r, Members: []Rule{r}})
			continue
		}
		if i, ok := groupIdx[r.GroupID]; ok {
			out[i].Members = append(out[i].Members, r)
			continue
		}
		groupIdx[r.GroupID] = len(out)
		out = append(out, Unit{Owner: r, Members: []Rule{r}})
	}
	return out
}

// UnitOf returns the unit containing id.
func UnitOf(rules []Rule, id string) (Unit, bool) {
	r, _, ok := Find(rules, id)
	if !ok {
		return Unit{}, false
	}
	if r.GroupID == "" {
		return Unit{Owner: r, Members: []Rule{r}}, true
	}
	members := Members(rules, r.GroupID)
	return Unit{Owner: members[0], Members: members}, true
}
