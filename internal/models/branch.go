package models

import "strings"

const headsPrefix = "refs/heads/"

// BranchKey identifies a branch within a project.
type BranchKey struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
}

func (k BranchKey) String() string {
	return k.Project + "," + k.Branch
}

// ShortName strips the refs/heads/ prefix from the branch.
func (k BranchKey) ShortName() string {
	return ShortBranchName(k.Branch)
}

// Less orders keys by project, then branch.
func (k BranchKey) Less(other BranchKey) bool {
	if k.Project != other.Project {
		return k.Project < other.Project
	}
	return k.Branch < other.Branch
}

// FullBranchName qualifies a short branch name with refs/heads/.
func FullBranchName(name string) string {
	if strings.HasPrefix(name, "refs/") {
		return name
	}
	return headsPrefix + name
}

// ShortBranchName strips refs/heads/ from a fully qualified branch name.
func ShortBranchName(name string) string {
	return strings.TrimPrefix(name, headsPrefix)
}
