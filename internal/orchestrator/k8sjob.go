package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	labelEvaluationID = "crucible.dev/evaluation-id"
	labelPreserve     = "crucible.dev/preserve"
	containerName     = "evaluation"
)

// K8sJobDriver materializes each evaluation as a batch/v1 Job in a single,
// network-isolated namespace. Security posture, per spec 6.2: read-only
// root filesystem, non-root user, all capabilities dropped, no network
// (enforced by a NetworkPolicy selecting this namespace — out of this
// driver's scope, provisioned alongside it), ActiveDeadlineSeconds equal
// to the evaluation's timeout, and RestartPolicy Never so a crashed
// sandbox surfaces as a failure rather than a silent retry.
type K8sJobDriver struct {
	clientset kubernetes.Interface
	namespace string
}

// NewK8sJobDriver builds a driver that creates Jobs in namespace using
// clientset. The namespace is expected to already carry the
// NetworkPolicy/PodSecurityAdmission labels that enforce isolation; this
// driver only sets the pod-level hardening it owns directly.
func NewK8sJobDriver(clientset kubernetes.Interface, namespace string) *K8sJobDriver {
	return &K8sJobDriver{clientset: clientset, namespace: namespace}
}

func (d *K8sJobDriver) Execute(ctx context.Context, spec WorkloadSpec) (Handle, error) {
	name := jobName(spec.EvaluationID)
	labels := map[string]string{
		labelEvaluationID: spec.EvaluationID,
		labelPreserve:     fmt.Sprintf("%t", spec.Preserve),
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			ActiveDeadlineSeconds: ptr.To(int64(spec.TimeoutSeconds)),
			BackoffLimit:          ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{labelEvaluationID: spec.EvaluationID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    containerName,
							Image:   spec.RuntimeImage,
							Command: []string{"/bin/crucible-entrypoint"},
							Stdin:   true,
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: *resource.NewQuantity(spec.MemoryBytes, resource.BinarySI),
									corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(spec.CPUShares), resource.DecimalSI),
								},
							},
							SecurityContext: &corev1.SecurityContext{
								ReadOnlyRootFilesystem:   ptr.To(true),
								RunAsNonRoot:             ptr.To(true),
								AllowPrivilegeEscalation: ptr.To(false),
								Capabilities: &corev1.Capabilities{
									Drop: []corev1.Capability{"ALL"},
								},
							},
						},
					},
				},
			},
		},
	}

	created, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return Handle{}, fmt.Errorf("orchestrator: creating job for %s: %w", spec.EvaluationID, err)
	}
	return Handle{EvaluationID: spec.EvaluationID, Name: created.Name}, nil
}

func (d *K8sJobDriver) Watch(ctx context.Context, handle Handle) (<-chan StatusUpdate, error) {
	watcher, err := d.clientset.BatchV1().Jobs(d.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + handle.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: watching job %s: %w", handle.Name, err)
	}

	ch := make(chan StatusUpdate, 4)
	go func() {
		defer close(ch)
		defer watcher.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				update, terminal := translateJobEvent(event)
				select {
				case ch <- update:
				case <-ctx.Done():
					return
				}
				if terminal {
					return
				}
			}
		}
	}()
	return ch, nil
}

func translateJobEvent(event watch.Event) (StatusUpdate, bool) {
	job, ok := event.Object.(*batchv1.Job)
	if !ok {
		return StatusUpdate{Phase: PhasePending}, false
	}

	switch {
	case job.Status.Succeeded > 0:
		return StatusUpdate{Phase: PhaseSucceeded, ExitCode: ptr.To(0)}, true
	case job.Status.Failed > 0:
		code := 1
		deadlineExceeded := false
		for _, cond := range job.Status.Conditions {
			if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue && cond.Reason == "DeadlineExceeded" {
				deadlineExceeded = true
			}
		}
		return StatusUpdate{Phase: PhaseFailed, ExitCode: &code, DeadlineExceeded: deadlineExceeded}, true
	case job.Status.Active > 0:
		return StatusUpdate{Phase: PhaseRunning}, false
	default:
		return StatusUpdate{Phase: PhasePending}, false
	}
}

// WatchWorkloads streams phase observations for every Job in the namespace
// carrying labelEvaluationID, for the cleanup controller's sweep.
func (d *K8sJobDriver) WatchWorkloads(ctx context.Context) (<-chan WorkloadEvent, error) {
	list, err := d.clientset.BatchV1().Jobs(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelEvaluationID,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing jobs: %w", err)
	}

	watcher, err := d.clientset.BatchV1().Jobs(d.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   labelEvaluationID,
		ResourceVersion: list.ResourceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: watching jobs: %w", err)
	}

	ch := make(chan WorkloadEvent, 16)
	go func() {
		defer close(ch)
		defer watcher.Stop()

		for _, job := range list.Items {
			send(ctx, ch, jobToWorkloadEvent(&job))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				job, ok := event.Object.(*batchv1.Job)
				if !ok {
					continue
				}
				send(ctx, ch, jobToWorkloadEvent(job))
			}
		}
	}()
	return ch, nil
}

func send(ctx context.Context, ch chan<- WorkloadEvent, event WorkloadEvent) {
	select {
	case ch <- event:
	case <-ctx.Done():
	}
}

func jobToWorkloadEvent(job *batchv1.Job) WorkloadEvent {
	update, _ := translateJobEvent(watch.Event{Object: job})
	phase := update.Phase
	if job.Status.Active > 0 {
		phase = PhaseRunning
	}
	return WorkloadEvent{
		Handle:   Handle{EvaluationID: job.Labels[labelEvaluationID], Name: job.Name},
		Phase:    phase,
		Preserve: job.Labels[labelPreserve] == "true",
	}
}

func (d *K8sJobDriver) Logs(ctx context.Context, handle Handle) ([]byte, int, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelEvaluationID + "=" + handle.EvaluationID,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("orchestrator: listing pods for %s: %w", handle.Name, err)
	}
	if len(pods.Items) == 0 {
		return nil, 0, fmt.Errorf("orchestrator: no pod found for job %s", handle.Name)
	}
	pod := pods.Items[0]

	req := d.clientset.CoreV1().Pods(d.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Container: containerName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("orchestrator: streaming logs for %s: %w", handle.Name, err)
	}
	defer stream.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, stream); err != nil {
		return nil, 0, fmt.Errorf("orchestrator: reading logs for %s: %w", handle.Name, err)
	}

	exitCode := 0
	for _, status := range pod.Status.ContainerStatuses {
		if status.Name == containerName && status.State.Terminated != nil {
			exitCode = int(status.State.Terminated.ExitCode)
		}
	}
	return []byte(sb.String()), exitCode, nil
}

func (d *K8sJobDriver) Delete(ctx context.Context, handle Handle, grace time.Duration) error {
	graceSeconds := int64(grace.Seconds())
	propagation := metav1.DeletePropagationForeground
	err := d.clientset.BatchV1().Jobs(d.namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSeconds,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("orchestrator: deleting job %s: %w", handle.Name, err)
	}
	return nil
}

// WaitForDeletion blocks until handle.Name no longer exists or ctx is
// cancelled, for callers that need a synchronous delete confirmation
// rather than relying on the watch stream alone. The cleanup controller
// calls Delete only and does not wait.
func (d *K8sJobDriver) WaitForDeletion(ctx context.Context, handle Handle) error {
	return wait.PollUntilContextCancel(ctx, time.Second, true, func(ctx context.Context) (bool, error) {
		_, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, handle.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return false, nil
	})
}

func jobName(evaluationID string) string {
	return "crucible-eval-" + strings.ToLower(evaluationID)
}

var (
	_ Driver          = (*K8sJobDriver)(nil)
	_ WorkloadWatcher = (*K8sJobDriver)(nil)
)
