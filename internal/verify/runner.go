package verify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"

	"github.com/aonescu/tiops/internal/metrics"
	"github.com/aonescu/tiops/internal/types"
)

const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelRole        = "tiops.io/role"
	LabelTechnique   = "tiops.io/technique"
	LabelIsolated    = "tiops.io/isolated"
	AnnotationID     = "tiops.io/technique-id"
	AnnotationExpiry = "tiops.io/expires-at"

	managedBy        = "tiops"
	roleVerification = "verification"
	isolationPolicy  = "tiops-verification-isolation"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

type RunnerConfig struct {
	Namespace       string
	Image           string
	SimulationImage string
	TTL             time.Duration
	Platform        string
}

func (c *RunnerConfig) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Image == "" {
		c.Image = "ubuntu:latest"
	}
	if c.SimulationImage == "" {
		c.SimulationImage = "alpine:latest"
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Platform == "" {
		c.Platform = "linux"
	}
}

// JobSpec describes a single verification run.
type JobSpec struct {
	TechniqueID string
	Image       string
	Command     []string
	TTL         time.Duration
}

// Runner launches time-bounded, network-isolated verification jobs. It
// submits and never waits for execution.
type Runner struct {
	client  kubernetes.Interface
	source  TechniqueSource
	cfg     RunnerConfig
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
}

// NewRunner builds a runner. A nil source runs simulation jobs instead of
// published technique tests.
func NewRunner(client kubernetes.Interface, source TechniqueSource, cfg RunnerConfig, m *metrics.Metrics, log logr.Logger) *Runner {
	cfg.setDefaults()
	return &Runner{
		client:  client,
		source:  source,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// SimulationCommand is a harmless stand-in used when no technique source is
// configured.
func SimulationCommand(techniqueID string) *types.CommandSpec {
	return &types.CommandSpec{
		TechniqueID: techniqueID,
		TestName:    "simulation",
		Platform:    "linux",
		Executor:    "sh",
		Command:     fmt.Sprintf("echo 'Simulating %s...'; sleep 2; echo 'Done'", techniqueID),
	}
}

// FetchTechniqueCommand returns the first published test for the runner's
// platform. NotFound means the technique has nothing runnable here.
func (r *Runner) FetchTechniqueCommand(ctx context.Context, techniqueID string) (*types.CommandSpec, error) {
	if r.source == nil {
		return SimulationCommand(techniqueID), nil
	}

	tests, err := r.source.Tests(ctx, techniqueID)
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		if !t.Supports(r.cfg.Platform) || t.Command == "" {
			continue
		}
		return &types.CommandSpec{
			TechniqueID: techniqueID,
			TestName:    t.Name,
			Platform:    r.cfg.Platform,
			Executor:    t.Executor,
			Command:     t.Command,
		}, nil
	}
	return nil, types.NewError(types.KindNotFound, "fetch technique "+techniqueID,
		fmt.Errorf("no %s test with a command", r.cfg.Platform))
}

// Verify resolves the technique and launches its job. No job is launched when
// the technique cannot be resolved.
func (r *Runner) Verify(ctx context.Context, techniqueID string) (*types.VerificationJob, error) {
	spec, err := r.FetchTechniqueCommand(ctx, techniqueID)
	if err != nil {
		return nil, err
	}
	if err := r.EnsureIsolation(ctx); err != nil {
		return nil, err
	}

	image := r.cfg.Image
	if r.source == nil {
		image = r.cfg.SimulationImage
	}
	return r.Launch(ctx, JobSpec{
		TechniqueID: techniqueID,
		Image:       image,
		Command:     shellCommand(spec.Executor, spec.Command),
		TTL:         r.cfg.TTL,
	})
}

func shellCommand(executor, command string) []string {
	switch strings.ToLower(executor) {
	case "bash":
		return []string{"/bin/bash", "-c", command}
	default:
		return []string{"/bin/sh", "-c", command}
	}
}

// JobName derives a DNS-1123 label from the technique id plus a random suffix.
func JobName(techniqueID string) string {
	base := invalidNameChars.ReplaceAllString(strings.ToLower(techniqueID), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "technique"
	}
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("verify-%s-%s", base, suffix)
}

func (r *Runner) Launch(ctx context.Context, spec JobSpec) (*types.VerificationJob, error) {
	if len(spec.Command) == 0 {
		return nil, types.NewError(types.KindInvalid, "launch", fmt.Errorf("empty command for %s", spec.TechniqueID))
	}
	if spec.Image == "" {
		spec.Image = r.cfg.Image
	}
	if spec.TTL <= 0 {
		spec.TTL = r.cfg.TTL
	}

	name := JobName(spec.TechniqueID)
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return nil, types.NewError(types.KindInvalid, "launch", fmt.Errorf("job name %q: %s", name, strings.Join(errs, "; ")))
	}

	created := r.now().UTC()
	expires := created.Add(spec.TTL)
	// Kubernetes rejects a zero deadline; partial seconds round up.
	ttlSeconds := int64((spec.TTL + time.Second - 1) / time.Second)
	ttlAfterFinished := int32(ttlSeconds)
	backoffLimit := int32(0)
	automount := false

	podLabels := map[string]string{
		LabelManagedBy: managedBy,
		LabelRole:      roleVerification,
		LabelTechnique: labelValue(spec.TechniqueID),
		LabelIsolated:  "true",
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.cfg.Namespace,
			Labels:    podLabels,
			Annotations: map[string]string{
				AnnotationID:     spec.TechniqueID,
				AnnotationExpiry: expires.Format(time.RFC3339),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   &ttlSeconds,
			TTLSecondsAfterFinished: &ttlAfterFinished,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: &automount,
					Containers: []corev1.Container{{
						Name:    "verification",
						Image:   spec.Image,
						Command: spec.Command,
					}},
				},
			},
		},
	}

	if _, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, types.NewError(types.KindSubmission, "launch "+name, err)
	}
	r.metrics.IncJobsLaunched()
	r.log.Info("Verification job launched", "job", name, "namespace", r.cfg.Namespace, "technique", spec.TechniqueID, "expires", expires)

	return &types.VerificationJob{
		ID:          name,
		TechniqueID: spec.TechniqueID,
		Namespace:   r.cfg.Namespace,
		Image:       spec.Image,
		Command:     spec.Command,
		TTL:         spec.TTL,
		Status:      types.JobPending,
		CreatedAt:   created,
		ExpiresAt:   expires,
	}, nil
}

func labelValue(s string) string {
	v := invalidNameChars.ReplaceAllString(strings.ToLower(s), "-")
	if len(v) > validation.LabelValueMaxLength {
		v = v[:validation.LabelValueMaxLength]
	}
	return strings.Trim(v, "-")
}

// EnsureIsolation creates the deny-all policy that selects verification pods.
func (r *Runner) EnsureIsolation(ctx context.Context) error {
	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      isolationPolicy,
			Namespace: r.cfg.Namespace,
			Labels:    map[string]string{LabelManagedBy: managedBy},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelRole: roleVerification, LabelIsolated: "true"},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
		},
	}

	_, err := r.client.NetworkingV1().NetworkPolicies(r.cfg.Namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return types.NewError(types.KindSubmission, "ensure isolation", err)
	}
	return nil
}

// Status reports the job's state. A job past its expiry is Expired whatever
// its conditions say.
func (r *Runner) Status(ctx context.Context, id string) (*types.VerificationJob, error) {
	job, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, types.NewError(types.KindNotFound, "job status", fmt.Errorf("job %s not found", id))
		}
		return nil, types.NewError(types.KindConnectivity, "job status", err)
	}
	return r.describe(job), nil
}

func (r *Runner) describe(job *batchv1.Job) *types.VerificationJob {
	vj := &types.VerificationJob{
		ID:          job.Name,
		TechniqueID: job.Annotations[AnnotationID],
		Namespace:   job.Namespace,
		CreatedAt:   job.CreationTimestamp.Time,
		ExpiresAt:   expiryOf(job),
		Status:      jobStatus(job),
	}
	if containers := job.Spec.Template.Spec.Containers; len(containers) > 0 {
		vj.Image = containers[0].Image
		vj.Command = containers[0].Command
	}
	if job.Spec.ActiveDeadlineSeconds != nil {
		vj.TTL = time.Duration(*job.Spec.ActiveDeadlineSeconds) * time.Second
	}
	if !vj.ExpiresAt.IsZero() && !r.now().Before(vj.ExpiresAt) {
		vj.Status = types.JobExpired
	}
	return vj
}

func jobStatus(job *batchv1.Job) types.JobStatus {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return types.JobSucceeded
		case batchv1.JobFailed:
			return types.JobFailed
		}
	}
	if job.Status.Active > 0 {
		return types.JobRunning
	}
	return types.JobPending
}

func expiryOf(job *batchv1.Job) time.Time {
	if v, ok := job.Annotations[AnnotationExpiry]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	if job.Spec.ActiveDeadlineSeconds != nil && !job.CreationTimestamp.IsZero() {
		return job.CreationTimestamp.Add(time.Duration(*job.Spec.ActiveDeadlineSeconds) * time.Second)
	}
	return time.Time{}
}

// Reap deletes managed jobs past their expiry, whatever their status.
func (r *Runner) Reap(ctx context.Context) (int, error) {
	selector := labels.SelectorFromSet(labels.Set{LabelManagedBy: managedBy, LabelRole: roleVerification})
	jobs, err := r.client.BatchV1().Jobs(r.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return 0, types.NewError(types.KindConnectivity, "list verification jobs", err)
	}

	propagation := metav1.DeletePropagationBackground
	now := r.now()
	reaped := 0
	for i := range jobs.Items {
		job := &jobs.Items[i]
		expires := expiryOf(job)
		if expires.IsZero() || now.Before(expires) {
			continue
		}
		err := r.client.BatchV1().Jobs(job.Namespace).Delete(ctx, job.Name, metav1.DeleteOptions{PropagationPolicy: &propagation})
		if err != nil && !apierrors.IsNotFound(err) {
			r.log.Error(err, "Failed to delete expired job", "job", job.Name)
			continue
		}
		reaped++
		r.log.V(1).Info("Reaped expired job", "job", job.Name, "expired", expires)
	}
	r.metrics.AddJobsReaped(reaped)
	return reaped, nil
}
